package mqauth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
)

// schemes maps the accepted URL schemes to their default port and
// whether they imply TLS.
var schemes = map[string]struct {
	port string
	tls  bool
}{
	"":      {"1883", false},
	"tcp":   {"1883", false},
	"mqtt":  {"1883", false},
	"tls":   {"8883", true},
	"ssl":   {"8883", true},
	"mqtts": {"8883", true},
}

// resolveServer turns a server URL into the address to dial and whether to
// use TLS. forceTLS upgrades the plain schemes.
func resolveServer(server string, forceTLS bool) (addr string, useTLS bool, err error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", false, fmt.Errorf("invalid server URL: %w", err)
	}
	s, ok := schemes[u.Scheme]
	if !ok {
		return "", false, fmt.Errorf("unsupported scheme: %s (supported: tcp, mqtt, tls, ssl, mqtts)", u.Scheme)
	}

	addr = u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), s.port)
	}
	return addr, s.tls || forceTLS, nil
}

// dialServer opens the network connection, through the custom dialer when
// one is configured.
func (c *Client) dialServer(ctx context.Context) (net.Conn, error) {
	if c.opts.Dialer != nil {
		network := "tcp"
		if u, err := url.Parse(c.opts.Server); err == nil && u.Scheme != "" {
			network = u.Scheme
		}
		conn, err := c.opts.Dialer.DialContext(ctx, network, c.opts.Server)
		if err != nil {
			return nil, fmt.Errorf("custom dialer failed: %w", err)
		}
		return conn, nil
	}

	addr, useTLS, err := resolveServer(c.opts.Server, c.opts.TLSConfig != nil)
	if err != nil {
		return nil, err
	}

	var (
		d    net.Dialer
		conn net.Conn
	)
	if useTLS {
		cfg := c.opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		conn, err = (&tls.Dialer{NetDialer: &d, Config: cfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c.opts.Logger.Debug("dialed server", "addr", addr, "tls", useTLS)
	return conn, nil
}

// meteredConn counts the bytes moving over a connection into the
// client's stats.
type meteredConn struct {
	net.Conn
	in, out *atomic.Uint64
}

func (c *Client) meter(conn net.Conn) meteredConn {
	return meteredConn{Conn: conn, in: &c.stats.bytesReceived, out: &c.stats.bytesSent}
}

func (m meteredConn) Read(p []byte) (int, error) {
	n, err := m.Conn.Read(p)
	m.in.Add(uint64(n))
	return n, err
}

func (m meteredConn) Write(p []byte) (int, error) {
	n, err := m.Conn.Write(p)
	m.out.Add(uint64(n))
	return n, err
}
