package mqauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalop/mqauth/internal/packets"
)

// Client is an MQTT connection that authenticates with a pluggable
// mechanism and can re-authenticate while connected.
type Client struct {
	opts    *clientOptions
	metrics *authMetrics

	// connLock guards conn, connGen, connDone, authMethod, session and
	// lastDisconnectReason.
	connLock sync.RWMutex
	conn     net.Conn

	// connGen numbers connections from 1; connDone is closed when the
	// connection with that number goes away.
	connGen  uint64
	connDone chan struct{}

	outgoing       chan packets.Packet
	incoming       chan packets.Packet
	packetReceived chan struct{} // read loop -> write loop, any inbound traffic
	pingPendingCh  chan struct{} // logic loop -> write loop, PINGRESP seen
	lost           chan struct{} // connection gone, wakes the logic loop
	disconnected   chan struct{} // connection gone, wakes the reconnect loop
	stop           chan struct{}
	stopping       atomic.Bool

	handleUsed     atomic.Bool
	authMethod     string
	reauthRequests chan *exchange
	reauthBusy     atomic.Bool

	// Owned by logicLoop.
	reauth     *exchange
	abortedGen uint64

	connected atomic.Bool
	wg        sync.WaitGroup

	session serverSession

	// lastDisconnectReason is what OnConnectionLost receives: the server's
	// DISCONNECT or the error the client aborted with.
	lastDisconnectReason error

	stats clientCounters
}

// DialContext connects to server and returns a running Client.
//
// ctx bounds everything up to the accepting CONNACK: the network dial, the
// TLS handshake and every AUTH round. It has no effect once DialContext has
// returned.
//
// With an authenticator configured, Start runs before anything is dialed,
// so a mechanism that cannot produce its first message never opens a
// socket. Failures of the exchange itself come back as *AuthError.
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//
//	client, err := mqauth.DialContext(ctx, "tcp://localhost:1883",
//	    mqauth.WithClientID("my-client"),
//	    mqauth.WithAuthenticatorFactory(scram.Factory(scram.SHA256, "user", "pass")))
func DialContext(ctx context.Context, server string, opts ...Option) (*Client, error) {
	return dial(ctx, buildOptions(server, opts))
}

func dial(ctx context.Context, options *clientOptions) (*Client, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	options.Logger = options.Logger.With("lib", "mqauth")

	metrics, err := newAuthMetrics(options.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	c := newClient(options, metrics)
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.logicLoop()
	if options.AutoReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
	return c, nil
}

// Dial is DialContext bounded by the connect timeout (WithConnectTimeout).
//
// server is a URL. tcp:// and mqtt:// connect in the clear, port 1883 by
// default; tls://, ssl:// and mqtts:// use TLS, port 8883 by default.
//
// With a factory every reconnect authenticates from scratch:
//
//	client, err := mqauth.Dial("tcp://localhost:1883",
//	    mqauth.WithClientID("my-client"),
//	    mqauth.WithAuthenticatorFactory(scram.Factory(scram.SHA256, "user1", "123456")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(context.Background())
//
// A single authenticator is good for one connection only:
//
//	auth, _ := scram.NewClient(scram.SHA512, "user1", "123456")
//	client, err := mqauth.Dial("tls://server:8883",
//	    mqauth.WithAuthenticator(auth),
//	    mqauth.WithAutoReconnect(false))
func Dial(server string, opts ...Option) (*Client, error) {
	options := buildOptions(server, opts)
	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
	defer cancel()
	return dial(ctx, options)
}

func newClient(opts *clientOptions, metrics *authMetrics) *Client {
	return &Client{
		opts:           opts,
		metrics:        metrics,
		outgoing:       make(chan packets.Packet, 100),
		incoming:       make(chan packets.Packet, 100),
		packetReceived: make(chan struct{}, 1),
		pingPendingCh:  make(chan struct{}, 1),
		lost:           make(chan struct{}, 1),
		disconnected:   make(chan struct{}, 1),
		stop:           make(chan struct{}),
		reauthRequests: make(chan *exchange),
	}
}

// nextAuthenticator returns the capability for the next connection
// attempt: the configured handle the first time, then a fresh one from the
// factory. It returns nil when enhanced authentication is not configured.
func (c *Client) nextAuthenticator() (*Handle, error) {
	if h := c.opts.Authenticator; h != nil && c.handleUsed.CompareAndSwap(false, true) {
		return h, nil
	}
	if c.opts.AuthenticatorFactory != nil {
		return c.newAuthenticator()
	}
	if c.opts.Authenticator != nil {
		return nil, fmt.Errorf("%w: WithAuthenticatorFactory is needed to authenticate again", ErrAuthenticatorConsumed)
	}
	return nil, nil
}

func (c *Client) newAuthenticator() (*Handle, error) {
	a, err := c.opts.AuthenticatorFactory()
	if err != nil {
		return nil, fmt.Errorf("authenticator factory: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: authenticator factory returned nil", ErrMechanism)
	}
	return NewHandle(a), nil
}

// connect runs one connection attempt, authentication included.
func (c *Client) connect(ctx context.Context) error {
	c.opts.Logger.Debug("connecting to MQTT server", "server", c.opts.Server)

	h, err := c.nextAuthenticator()
	if err != nil {
		return err
	}

	var ex *exchange
	if h != nil {
		if ex, err = c.startExchange(h, false); err != nil {
			c.recordOutcome(ex, err)
			return err
		}
	}

	err = c.establish(ctx, ex)
	if ex != nil {
		c.recordOutcome(ex, err)
	}
	return err
}

// establish dials the server and runs the handshake for ex, which is nil
// without enhanced authentication.
func (c *Client) establish(ctx context.Context, ex *exchange) error {
	conn, err := c.dialServer(ctx)
	if err != nil {
		return err
	}

	c.connLock.Lock()
	c.conn = conn
	c.lastDisconnectReason = nil
	c.connLock.Unlock()

	mc := c.meter(conn)
	if _, err := c.buildConnectPacket(ex).WriteTo(mc); err != nil {
		c.closeConn()
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}
	c.stats.packetsSent.Add(1)

	connack, err := c.performHandshake(ctx, conn, ex, mc, mc)
	if err != nil {
		c.closeConn()
		return err
	}
	if connack.ReturnCode != packets.ConnAccepted {
		c.closeConn()
		return c.refusal(connack)
	}

	if ex != nil {
		method, data := connack.Properties.Auth()
		c.opts.Logger.Debug("verifying CONNACK", "method", method, "data_len", len(data))
		err := checkEcho(ex, connack.Properties)
		if err == nil {
			err = ex.handle.Verify(method, data)
		}
		if err != nil {
			err = ex.fail(err)
			c.sendDisconnect(mc, disconnectReasonFor(err))
			c.closeConn()
			return err
		}
	}

	c.applyConnack(connack)
	c.drainOutgoing()

	done := make(chan struct{})
	c.connLock.Lock()
	c.connGen++
	gen := c.connGen
	c.connDone = done
	c.authMethod = ""
	if ex != nil {
		c.authMethod = ex.method
	}
	c.connected.Store(true)
	c.connLock.Unlock()

	c.wg.Add(2)
	go c.readLoop(conn, gen, done)
	go c.writeLoop(conn, gen, done)

	c.opts.Logger.Info("connected",
		"server", c.opts.Server,
		"client_id", c.opts.ClientID,
		"auth_method", c.authMethod)

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect(c)
	}
	return nil
}

// v311Refusals maps MQTT v3.1.1 CONNACK return codes to errors.
var v311Refusals = map[uint8]error{
	packets.ConnRefusedUnacceptableProtocol:  ErrUnacceptableProtocolVersion,
	packets.ConnRefusedIdentifierRejected:    ErrIdentifierRejected,
	packets.ConnRefusedServerUnavailable:     ErrServerUnavailable,
	packets.ConnRefusedBadUsernameOrPassword: ErrBadUsernameOrPassword,
	packets.ConnRefusedNotAuthorized:         ErrNotAuthorized,
}

// refusal converts a CONNACK that rejects the connection into an error.
func (c *Client) refusal(connack *packets.ConnackPacket) error {
	if c.opts.ProtocolVersion < ProtocolV50 {
		if err, ok := v311Refusals[connack.ReturnCode]; ok {
			return err
		}
		return fmt.Errorf("%w: code %d", ErrConnectionRefused, connack.ReturnCode)
	}

	props := connack.Properties
	err := &MqttError{ReasonCode: ReasonCode(connack.ReturnCode), Parent: ErrConnectionRefused}
	if props.Has(packets.PresReasonString) {
		err.Message = props.ReasonString
	}
	if props.Has(packets.PresServerReference) {
		c.redirect(props.ServerReference)
	}
	return err
}

// drainOutgoing discards packets queued for a previous connection.
func (c *Client) drainOutgoing() {
	for {
		select {
		case pkt := <-c.outgoing:
			c.opts.Logger.Debug("discarding stale packet", "type", packets.Name(pkt.Type()))
		default:
			return
		}
	}
}

func (c *Client) closeConn() {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// sendDisconnect writes a DISCONNECT packet straight to w. It is used while
// the read and write loops are not running. v3.1.1 has no reason codes, so
// the connection is simply closed.
func (c *Client) sendDisconnect(w io.Writer, reason ReasonCode) {
	if c.opts.ProtocolVersion < ProtocolV50 {
		return
	}
	pkt := &packets.DisconnectPacket{Version: ProtocolV50, ReasonCode: uint8(reason)}
	if _, err := pkt.WriteTo(w); err != nil {
		c.opts.Logger.Debug("failed to send DISCONNECT", "error", err)
		return
	}
	c.stats.packetsSent.Add(1)
}

// handleDisconnect tears down connection number gen. It is safe to call
// from both loops; only the first call for a live connection counts. The
// callbacks are skipped when Disconnect ended the connection.
func (c *Client) handleDisconnect(gen uint64) {
	c.connLock.Lock()
	if gen != c.connGen || c.connDone == nil {
		c.connLock.Unlock()
		return
	}
	close(c.connDone)
	c.connDone = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	reason := c.lastDisconnectReason
	c.lastDisconnectReason = nil
	wasConnected := c.connected.Swap(false)
	c.connLock.Unlock()

	if !wasConnected {
		return
	}
	if reason == nil {
		reason = errors.New("connection lost")
	}
	c.opts.Logger.Warn("connection lost", "error", reason)

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(c, reason)
	}
	for _, ch := range []chan struct{}{c.lost, c.disconnected} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// IsConnected reports whether the client has a live connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) currentGen() uint64 {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	return c.connGen
}

// AuthMethod returns the authentication method of the current connection,
// or "" when it was established without enhanced authentication.
func (c *Client) AuthMethod() string {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	return c.authMethod
}

// Disconnect sends DISCONNECT, stops the background goroutines and closes
// the connection. A re-authentication still in flight fails with
// ErrClientDisconnected. Calls after the first do nothing.
//
// Reason options only reach the server on MQTT v5.0:
//
//	client.Disconnect(context.Background(),
//	    mqauth.WithReason(mqauth.ReasonCodeNormalDisconnect),
//	    mqauth.WithReasonString("shutting down"))
func (c *Client) Disconnect(ctx context.Context, opts ...DisconnectOption) error {
	options := &DisconnectOptions{ReasonCode: ReasonCodeNormalDisconnect}
	for _, opt := range opts {
		opt(options)
	}

	if !c.stopping.CompareAndSwap(false, true) {
		return nil
	}
	c.opts.Logger.Debug("disconnecting", "reason_code", uint8(options.ReasonCode))

	c.connLock.RLock()
	done := c.connDone
	c.connLock.RUnlock()

	if done != nil && c.connected.Swap(false) {
		c.flushDisconnect(ctx, done, options)
	}

	close(c.stop)
	c.closeConn()

	exited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		c.opts.Logger.Debug("disconnected")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("timeout waiting for goroutines to exit")
	}
}

// flushDisconnect queues the DISCONNECT packet and waits briefly for the
// write loop to put it on the wire, which closes done.
func (c *Client) flushDisconnect(ctx context.Context, done <-chan struct{}, options *DisconnectOptions) {
	pkt := &packets.DisconnectPacket{
		Version:    c.opts.ProtocolVersion,
		ReasonCode: uint8(options.ReasonCode),
	}
	if options.ReasonString != "" {
		pkt.Properties = &packets.Properties{}
		pkt.Properties.ReasonString = options.ReasonString
		pkt.Properties.Presence |= packets.PresReasonString
	}

	grace := time.NewTimer(200 * time.Millisecond)
	defer grace.Stop()

	select {
	case c.outgoing <- pkt:
	case <-grace.C:
		return
	}
	select {
	case <-done:
	case <-grace.C:
	case <-ctx.Done():
	}
}

// reconnectLoop reconnects with exponential backoff. Every attempt runs a
// new authentication exchange; the loop ends when no fresh authenticator
// can be built.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	const maxBackoff = 2 * time.Minute
	backoff := time.Second

	for {
		select {
		case <-c.stop:
			return
		case <-c.disconnected:
		}

		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}

		c.stats.reconnects.Add(1)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		err := c.connect(ctx)
		cancel()

		switch {
		case err == nil:
			backoff = time.Second
		case errors.Is(err, ErrAuthenticatorConsumed):
			c.opts.Logger.Error("giving up reconnecting", "error", err)
			return
		default:
			c.opts.Logger.Warn("reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, maxBackoff)
			select {
			case c.disconnected <- struct{}{}:
			default:
			}
		}
	}
}
