package mqauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// ProtocolV311 is MQTT 3.1.1. It has no enhanced authentication.
	ProtocolV311 uint8 = 4
	// ProtocolV50 is MQTT 5.0, the default.
	ProtocolV50 uint8 = 5
)

// ContextDialer opens the network connection to the server. net.Dialer
// satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialFunc adapts a plain function to ContextDialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext calls f.
func (f DialFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

type clientOptions struct {
	Server   string
	ClientID string

	// Plain CONNECT credentials. They may be combined with an
	// authenticator; what the server makes of both is up to the server.
	Username string
	Password string

	KeepAlive      time.Duration
	CleanSession   bool
	AutoReconnect  bool
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
	Dialer         ContextDialer

	ProtocolVersion           uint8
	RequestProblemInformation bool
	MaxIncomingPacket         int

	// SessionExpiryInterval is sent only when SessionExpirySet.
	SessionExpiryInterval uint32
	SessionExpirySet      bool

	// Authenticator serves one connection. AuthenticatorFactory builds a
	// fresh one for every later exchange.
	Authenticator        *Handle
	AuthenticatorFactory Factory

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	OnConnect        func(*Client)
	OnConnectionLost func(*Client, error)
	OnServerRedirect func(serverURI string)
}

// Option configures a Client.
type Option func(*clientOptions)

func defaultOptions(server string) *clientOptions {
	return &clientOptions{
		Server:          server,
		KeepAlive:       60 * time.Second,
		CleanSession:    true,
		AutoReconnect:   true,
		ConnectTimeout:  30 * time.Second,
		ProtocolVersion: ProtocolV50,
	}
}

func buildOptions(server string, opts []Option) *clientOptions {
	o := defaultOptions(server)
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// validate rejects combinations no server can accept.
func (o *clientOptions) validate() error {
	v5 := o.ProtocolVersion >= ProtocolV50
	if !v5 && (o.Authenticator != nil || o.AuthenticatorFactory != nil) {
		return fmt.Errorf("%w: enhanced authentication requires MQTT v5.0", ErrProtocolViolation)
	}
	// An empty client ID may only resume a session that outlives the
	// connection, which v3.1.1 cannot express.
	if o.ClientID == "" && !o.CleanSession && (!v5 || !o.SessionExpirySet || o.SessionExpiryInterval == 0) {
		return errors.New("MQTT requires a non-empty ClientID when CleanSession is false")
	}
	return nil
}

// WithClientID sets the client identifier. Left empty, the server assigns
// one (see Client.AssignedClientID); that needs a clean session, or on
// v5.0 a non-zero session expiry interval.
func WithClientID(id string) Option {
	return func(o *clientOptions) { o.ClientID = id }
}

// WithCredentials puts a username and password in CONNECT.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.Username = username
		o.Password = password
	}
}

// WithKeepAlive sets the keep alive interval requested in CONNECT. The
// default is 60s; 0 turns keepalive off. The server may override it.
func WithKeepAlive(d time.Duration) Option {
	return func(o *clientOptions) { o.KeepAlive = d }
}

// WithCleanSession sets Clean Session (v3.1.1) or Clean Start (v5.0). It
// defaults to true.
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) { o.CleanSession = clean }
}

// WithAutoReconnect turns reconnection with backoff on or off. It is on by
// default.
//
// A reconnect authenticates from scratch. Without a factory the single
// authenticator is spent after the first connection, and the reconnect
// loop ends with ErrAuthenticatorConsumed.
func WithAutoReconnect(enable bool) Option {
	return func(o *clientOptions) { o.AutoReconnect = enable }
}

// WithConnectTimeout bounds Dial and every reconnect attempt. The default
// is 30s.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.ConnectTimeout = d }
}

// WithTLS sets the TLS configuration. A non-nil config also turns TLS on
// for tcp:// and mqtt:// URLs.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) { o.TLSConfig = config }
}

// WithProtocolVersion selects ProtocolV50 (the default) or ProtocolV311.
// Authenticators need v5.0; Dial refuses them on v3.1.1.
func WithProtocolVersion(version uint8) Option {
	return func(o *clientOptions) { o.ProtocolVersion = version }
}

// WithRequestProblemInformation asks a v5.0 server to explain refusals with
// reason strings, which then appear in the returned errors.
func WithRequestProblemInformation(request bool) Option {
	return func(o *clientOptions) { o.RequestProblemInformation = request }
}

// WithSessionExpiryInterval asks a v5.0 server to keep the session for
// seconds after the connection closes. 0xFFFFFFFF means forever.
func WithSessionExpiryInterval(seconds uint32) Option {
	return func(o *clientOptions) {
		o.SessionExpiryInterval = seconds
		o.SessionExpirySet = true
	}
}

// WithMaxIncomingPacket caps the size of packets read from the server and
// announces the cap as Maximum Packet Size. 0 leaves the protocol limit.
func WithMaxIncomingPacket(size int) Option {
	return func(o *clientOptions) { o.MaxIncomingPacket = size }
}

// WithLogger routes client logs to logger. Logs are discarded by default.
// Authentication data never reaches the log, only its length.
//
//	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
//	client, _ := mqauth.Dial("tcp://localhost:1883", mqauth.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.Logger = logger }
}

// WithDialer replaces the built-in TCP and TLS dialing. The dialer gets the
// URL scheme as network and the server string unchanged as addr, so any
// scheme is allowed.
func WithDialer(dialer ContextDialer) Option {
	return func(o *clientOptions) { o.Dialer = dialer }
}

// WithOnConnect registers a callback run in its own goroutine after every
// successful connection, the first one included.
func WithOnConnect(f func(*Client)) Option {
	return func(o *clientOptions) { o.OnConnect = f }
}

// WithOnConnectionLost registers a callback run in its own goroutine when a
// connection ends without Disconnect. err is a *DisconnectError when the
// server sent DISCONNECT, or the failure the client aborted with.
func WithOnConnectionLost(f func(*Client, error)) Option {
	return func(o *clientOptions) { o.OnConnectionLost = f }
}

// WithOnServerRedirect registers a callback for the Server Reference the
// server may send in CONNACK or DISCONNECT. The client does not follow it.
func WithOnServerRedirect(f func(serverURI string)) Option {
	return func(o *clientOptions) { o.OnServerRedirect = f }
}

// WithAuthenticator authenticates the first connection with auth.
//
// auth is wrapped in a *Handle unless it is one already; pass your own
// Handle to watch its state. A Handle runs once, so reconnects and
// Reauthenticate need WithAuthenticatorFactory.
//
//	auth, _ := scram.NewClient(scram.SHA256, "user", "pass")
//	client, err := mqauth.Dial("tcp://localhost:1883", mqauth.WithAuthenticator(auth))
func WithAuthenticator(auth Authenticator) Option {
	return func(o *clientOptions) {
		o.Authenticator = nil
		if auth != nil {
			o.Authenticator = NewHandle(auth)
		}
	}
}

// WithAuthenticatorFactory builds a new authenticator for every connection
// attempt and every re-authentication. Combined with WithAuthenticator, the
// factory takes over after the first connection.
func WithAuthenticatorFactory(f Factory) Option {
	return func(o *clientOptions) { o.AuthenticatorFactory = f }
}

// WithMetrics registers the authentication metrics with reg. Clients given
// the same registerer share collectors.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *clientOptions) { o.Registerer = reg }
}

// DisconnectOptions holds what Disconnect sends to the server.
type DisconnectOptions struct {
	ReasonCode   ReasonCode
	ReasonString string
}

// DisconnectOption configures Disconnect.
type DisconnectOption func(*DisconnectOptions)

// WithReason sets the DISCONNECT reason code, ReasonCodeNormalDisconnect by
// default. v3.1.1 ignores it.
func WithReason(code ReasonCode) DisconnectOption {
	return func(o *DisconnectOptions) { o.ReasonCode = code }
}

// WithReasonString adds a reason string to DISCONNECT. v3.1.1 ignores it.
func WithReasonString(reason string) DisconnectOption {
	return func(o *DisconnectOptions) { o.ReasonString = reason }
}
