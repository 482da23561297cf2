// Package scram implements the client side of the SCRAM family of SASL
// mechanisms (RFC 5802, RFC 7677) as an mqauth.Authenticator.
//
// A Client runs exactly one exchange. It moves through the phases initial,
// awaiting challenge, awaiting verdict and completed; each transition takes
// the previous phase out of the client, so a nonce or salted password is
// never used twice. Build a new Client, or use Factory, for every
// connection and re-authentication.
//
//	client, err := mqauth.Dial("tcp://broker:1883",
//	    mqauth.WithAuthenticatorFactory(scram.Factory(scram.SHA256, "user1", "123456")),
//	)
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"

	"github.com/gonzalop/mqauth"
)

// Mechanism selects the hash function of a SCRAM exchange.
type Mechanism uint8

const (
	SHA1 Mechanism = iota + 1
	SHA256
	SHA512
)

// DefaultMinIterations is the lowest PBKDF2 iteration count a Client accepts
// from a server unless WithMinIterations says otherwise.
const DefaultMinIterations = 4096

// DefaultMaxIterations is the highest iteration count a Client accepts unless
// WithMaxIterations says otherwise. Key derivation runs on the connection's
// logic loop and cannot be interrupted.
const DefaultMaxIterations = 1_000_000

// Name returns the SASL mechanism name, for example "SCRAM-SHA-256".
func (m Mechanism) Name() string {
	switch m {
	case SHA1:
		return "SCRAM-SHA-1"
	case SHA256:
		return "SCRAM-SHA-256"
	case SHA512:
		return "SCRAM-SHA-512"
	}
	return fmt.Sprintf("SCRAM(%d)", uint8(m))
}

func (m Mechanism) String() string {
	return m.Name()
}

func (m Mechanism) hash() func() hash.Hash {
	switch m {
	case SHA1:
		return sha1.New
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	}
	return nil
}

// ParseMechanism maps a mechanism name such as "SCRAM-SHA-256" to its
// Mechanism. The lookup is case-insensitive.
func ParseMechanism(name string) (Mechanism, error) {
	for _, m := range []Mechanism{SHA1, SHA256, SHA512} {
		if strings.EqualFold(name, m.Name()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown SCRAM mechanism %q", mqauth.ErrMechanism, name)
}

// Option configures a Client.
type Option func(*options)

type options struct {
	authzID           string
	minIterations     int
	maxIterations     int
	nonce             func() (string, error)
	requireServerSign bool
}

// WithAuthzID sets the authorization identity sent in the gs2 header.
func WithAuthzID(id string) Option {
	return func(o *options) {
		o.authzID = id
	}
}

// WithMinIterations sets the lowest iteration count accepted from the server.
func WithMinIterations(n int) Option {
	return func(o *options) {
		o.minIterations = n
	}
}

// WithMaxIterations sets the highest iteration count accepted from the
// server.
func WithMaxIterations(n int) Option {
	return func(o *options) {
		o.maxIterations = n
	}
}

// WithNonceGenerator replaces the random client nonce source. It exists for
// deterministic tests.
func WithNonceGenerator(fn func() (string, error)) Option {
	return func(o *options) {
		o.nonce = fn
	}
}

// WithServerSignatureRequired makes the exchange fail when the server
// accepts the client without sending a server-final message.
func WithServerSignatureRequired() Option {
	return func(o *options) {
		o.requireServerSign = true
	}
}

func randomNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

// phase is one step of the exchange. Exactly one phase value is live at a time.
type phase interface {
	name() string
}

type initial struct {
	username string
	password string
}

type awaitingChallenge struct {
	password  string
	nonce     string
	firstBare string
	gs2Header string
}

type awaitingVerdict struct {
	serverSignature []byte
}

type completed struct{}

type failed struct {
	err error
}

func (initial) name() string           { return "initial" }
func (awaitingChallenge) name() string { return "awaiting challenge" }
func (awaitingVerdict) name() string   { return "awaiting verdict" }
func (completed) name() string         { return "completed" }
func (failed) name() string            { return "failed" }

// Client is a single-use SCRAM client. It implements mqauth.Authenticator
// and mqauth.Verifier. A Client is not safe for concurrent use; share it
// through an mqauth.Handle.
type Client struct {
	mech  Mechanism
	opts  options
	phase phase
}

// NewClient returns a Client for the given credentials. The username and
// password are prepared with SASLprep; a string SASLprep rejects fails with
// mqauth.ErrMechanism.
func NewClient(mech Mechanism, username, password string, opts ...Option) (*Client, error) {
	if mech.hash() == nil {
		return nil, fmt.Errorf("%w: unknown SCRAM mechanism %d", mqauth.ErrMechanism, uint8(mech))
	}

	o := options{
		minIterations: DefaultMinIterations,
		maxIterations: DefaultMaxIterations,
		nonce:         randomNonce,
	}
	for _, opt := range opts {
		opt(&o)
	}

	user, err := stringprep.SASLprep.Prepare(username)
	if err != nil {
		return nil, fmt.Errorf("%w: username: %v", mqauth.ErrMechanism, err)
	}
	pass, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		return nil, fmt.Errorf("%w: password: %v", mqauth.ErrMechanism, err)
	}
	if o.authzID != "" {
		if o.authzID, err = stringprep.SASLprep.Prepare(o.authzID); err != nil {
			return nil, fmt.Errorf("%w: authzid: %v", mqauth.ErrMechanism, err)
		}
	}

	return &Client{
		mech:  mech,
		opts:  o,
		phase: initial{username: user, password: pass},
	}, nil
}

// Factory returns an mqauth.Factory that builds a fresh Client per call.
func Factory(mech Mechanism, username, password string, opts ...Option) mqauth.Factory {
	return func() (mqauth.Authenticator, error) {
		return NewClient(mech, username, password, opts...)
	}
}

// Method returns the SASL mechanism name.
func (c *Client) Method() string {
	return c.mech.Name()
}

// Phase returns the name of the current phase.
func (c *Client) Phase() string {
	return c.phase.name()
}

// take removes the current phase, leaving the client failed until the
// caller installs the next one.
func (c *Client) take() phase {
	p := c.phase
	c.phase = failed{err: fmt.Errorf("%w: exchange interrupted", mqauth.ErrMechanism)}
	return p
}

func (c *Client) fail(err error) error {
	c.phase = failed{err: err}
	return err
}

func mechanismError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{mqauth.ErrMechanism}, args...)...)
}

// Start produces the client-first message "n,,n=<user>,r=<nonce>".
func (c *Client) Start() ([]byte, error) {
	cur := c.take()
	p, ok := cur.(initial)
	if !ok {
		return nil, c.fail(mechanismError("start called in phase %s", cur.name()))
	}

	nonce, err := c.opts.nonce()
	if err != nil {
		return nil, c.fail(mechanismError("generating nonce: %v", err))
	}
	if !validNonce(nonce) {
		return nil, c.fail(mechanismError("generated nonce %q is not printable", nonce))
	}

	first := clientFirst{authzID: c.opts.authzID, username: p.username, nonce: nonce}
	c.phase = awaitingChallenge{
		password:  p.password,
		nonce:     nonce,
		firstBare: first.bare(),
		gs2Header: first.gs2Header(),
	}
	return []byte(first.String()), nil
}

// Continue processes one server message. In the awaiting challenge phase it
// expects server-first and returns client-final. In the awaiting verdict
// phase it expects server-final and returns nil once the server signature
// checks out.
func (c *Client) Continue(method string, data []byte) ([]byte, error) {
	if method != c.mech.Name() {
		if method == "" {
			return nil, c.fail(fmt.Errorf("%w: missing authentication method, want %q", mqauth.ErrInvalidMethod, c.mech.Name()))
		}
		return nil, c.fail(fmt.Errorf("%w: got %q, want %q", mqauth.ErrInvalidMethod, method, c.mech.Name()))
	}

	switch p := c.take().(type) {
	case awaitingChallenge:
		return c.handleServerFirst(p, data)
	case awaitingVerdict:
		if err := c.handleServerFinal(p, data); err != nil {
			return nil, err
		}
		return nil, nil
	case failed:
		return nil, c.fail(mechanismError("exchange already failed: %v", p.err))
	default:
		return nil, c.fail(mechanismError("unexpected server message in phase %s", p.name()))
	}
}

// Verify checks the data of the packet that accepts the connection. When
// the server-final message already arrived through Continue, data must be
// absent. When the server sends none at all, Verify succeeds unless
// WithServerSignatureRequired was given.
func (c *Client) Verify(method string, data []byte) error {
	if method != "" && method != c.mech.Name() {
		return c.fail(fmt.Errorf("%w: got %q, want %q", mqauth.ErrInvalidMethod, method, c.mech.Name()))
	}

	switch p := c.take().(type) {
	case awaitingVerdict:
		if data == nil {
			if c.opts.requireServerSign {
				return c.fail(mechanismError("server accepted without a server signature"))
			}
			c.phase = completed{}
			return nil
		}
		return c.handleServerFinal(p, data)
	case completed:
		if data != nil {
			return c.fail(mechanismError("unexpected data after the server signature was verified"))
		}
		c.phase = completed{}
		return nil
	case failed:
		return c.fail(mechanismError("exchange already failed: %v", p.err))
	default:
		return c.fail(mechanismError("server accepted the connection in phase %s", p.name()))
	}
}

func (c *Client) handleServerFirst(p awaitingChallenge, data []byte) ([]byte, error) {
	if data == nil {
		return nil, c.fail(mechanismError("missing server-first message"))
	}

	sf, err := parseServerFirst(string(data))
	if err != nil {
		return nil, c.fail(mechanismError("server-first message: %v", err))
	}
	if len(sf.nonce) <= len(p.nonce) || !strings.HasPrefix(sf.nonce, p.nonce) {
		return nil, c.fail(mechanismError("server nonce does not extend the client nonce"))
	}
	if sf.iterations < c.opts.minIterations {
		return nil, c.fail(mechanismError("iteration count %d below minimum %d", sf.iterations, c.opts.minIterations))
	}
	if sf.iterations > c.opts.maxIterations {
		return nil, c.fail(mechanismError("iteration count %d above maximum %d", sf.iterations, c.opts.maxIterations))
	}

	h := c.mech.hash()
	salted := pbkdf2.Key([]byte(p.password), sf.salt, sf.iterations, h().Size(), h)
	clientKey := computeHMAC(h, salted, "Client Key")
	serverKey := computeHMAC(h, salted, "Server Key")
	storedKey := sum(h, clientKey)

	final := clientFinal{channelBinding: p.gs2Header, nonce: sf.nonce}
	authMessage := p.firstBare + "," + string(data) + "," + final.withoutProof()

	clientSignature := computeHMAC(h, storedKey, authMessage)
	final.proof = make([]byte, len(clientKey))
	for i := range clientKey {
		final.proof[i] = clientKey[i] ^ clientSignature[i]
	}

	c.phase = awaitingVerdict{serverSignature: computeHMAC(h, serverKey, authMessage)}
	return []byte(final.String()), nil
}

func (c *Client) handleServerFinal(p awaitingVerdict, data []byte) error {
	if data == nil {
		return c.fail(mechanismError("missing server-final message"))
	}

	sf, err := parseServerFinal(string(data))
	if err != nil {
		return c.fail(mechanismError("server-final message: %v", err))
	}
	if sf.err != "" {
		return c.fail(mechanismError("server rejected the exchange: %s", sf.err))
	}
	if !hmac.Equal(sf.signature, p.serverSignature) {
		return c.fail(mechanismError("server signature mismatch"))
	}

	c.phase = completed{}
	return nil
}

func computeHMAC(h func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func sum(h func() hash.Hash, b []byte) []byte {
	d := h()
	d.Write(b)
	return d.Sum(nil)
}
