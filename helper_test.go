package mqauth

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/gonzalop/mqauth/internal/packets"
)

func encodeToBytes(pkt packets.Packet) []byte {
	var buf bytes.Buffer
	_, _ = pkt.WriteTo(&buf)
	return buf.Bytes()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedAuth answers challenges with a fixed list of replies and returns
// nil once the list is exhausted.
type scriptedAuth struct {
	method    string
	first     []byte
	startErr  error
	replies   [][]byte
	err       error
	verifyErr error

	challenges [][]byte
	verified   []byte
	panicOn    string
}

func (a *scriptedAuth) Method() string { return a.method }

func (a *scriptedAuth) Start() ([]byte, error) {
	if a.panicOn == "start" {
		panic("boom")
	}
	return a.first, a.startErr
}

func (a *scriptedAuth) Continue(method string, data []byte) ([]byte, error) {
	if a.panicOn == "continue" {
		panic("boom")
	}
	if method != a.method {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrInvalidMethod, method, a.method)
	}
	a.challenges = append(a.challenges, data)
	if a.err != nil {
		return nil, a.err
	}
	if len(a.replies) == 0 {
		return nil, nil
	}
	out := a.replies[0]
	a.replies = a.replies[1:]
	return out, nil
}

func (a *scriptedAuth) Verify(method string, data []byte) error {
	if method != a.method {
		return fmt.Errorf("%w: verdict for %q", ErrInvalidMethod, method)
	}
	a.verified = data
	return a.verifyErr
}

// unverified hides the Verify method of the wrapped authenticator.
type unverified struct{ Authenticator }

// newConnectedClient returns a Client that believes it is on its first
// connection, for tests that feed packets to the logic loop handlers
// directly. Nothing reads c.outgoing.
func newConnectedClient(opts ...Option) *Client {
	o := defaultOptions("tcp://localhost:1883")
	o.Logger = testLogger()
	for _, opt := range opts {
		opt(o)
	}

	c := newClient(o, nil)
	c.connGen = 1
	c.connDone = make(chan struct{})
	c.authMethod = "TEST"
	c.connected.Store(true)
	return c
}

// startReauth builds an in-flight re-authentication for a, as
// Reauthenticate would before handing it to the logic loop.
func startReauth(c *Client, a Authenticator) (*exchange, error) {
	if !c.reauthBusy.CompareAndSwap(false, true) {
		return nil, ErrReauthInProgress
	}
	ex, err := c.startExchange(NewHandle(a), true)
	if err != nil {
		c.reauthBusy.Store(false)
		return nil, err
	}
	ex.token = newToken()
	ex.gen = c.currentGen()
	return ex, nil
}
