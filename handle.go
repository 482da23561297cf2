package mqauth

import (
	"fmt"
	"sync"
)

// HandleState is the lifecycle position of a Handle.
type HandleState uint8

const (
	// HandleIdle means Start has not been called yet.
	HandleIdle HandleState = iota
	// HandleStarted means the first client message was produced and the
	// exchange is waiting for server challenges.
	HandleStarted
	// HandleFinished means the client side of the exchange is complete.
	HandleFinished
	// HandleFailed means a call returned an error. The handle is unusable.
	HandleFailed
)

func (s HandleState) String() string {
	switch s {
	case HandleIdle:
		return "idle"
	case HandleStarted:
		return "started"
	case HandleFinished:
		return "finished"
	case HandleFailed:
		return "failed"
	}
	return fmt.Sprintf("HandleState(%d)", uint8(s))
}

// Handle is the shared, exclusively locked owner of one Authenticator.
//
// The caller that builds a Handle and the client's packet loop may both hold
// it. Every call into the wrapped Authenticator happens under the handle's
// lock, so at most one is in flight at any time, and the handle refuses
// calls that would reuse consumed state.
//
// Handle implements Authenticator and Verifier itself.
type Handle struct {
	mu    sync.Mutex
	auth  Authenticator
	state HandleState
	err   error
}

// NewHandle wraps a in a Handle. Wrapping a *Handle returns it unchanged.
func NewHandle(a Authenticator) *Handle {
	if h, ok := a.(*Handle); ok {
		return h
	}
	return &Handle{auth: a}
}

// Method returns the wrapped authenticator's method.
func (h *Handle) Method() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.auth.Method()
}

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error that moved the handle to HandleFailed, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Start calls the wrapped authenticator's Start. It fails with
// ErrAuthenticatorConsumed unless the handle is idle.
func (h *Handle) Start() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != HandleIdle {
		return nil, fmt.Errorf("%w: start in state %s", ErrAuthenticatorConsumed, h.state)
	}

	var data []byte
	err := h.guard(func() (err error) {
		data, err = h.auth.Start()
		return err
	})
	if err != nil {
		return nil, h.fail(err)
	}

	h.state = HandleStarted
	return data, nil
}

// Continue forwards one server challenge to the wrapped authenticator.
//
// A challenge arriving after the client side finished is a protocol
// violation. A nil result moves the handle to HandleFinished.
func (h *Handle) Continue(method string, data []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case HandleIdle:
		return nil, h.fail(fmt.Errorf("%w: challenge before start", ErrMechanism))
	case HandleFinished:
		return nil, h.fail(fmt.Errorf("%w: challenge after the exchange completed", ErrProtocolViolation))
	case HandleFailed:
		return nil, fmt.Errorf("%w: %v", ErrAuthenticatorConsumed, h.err)
	}

	var out []byte
	err := h.guard(func() (err error) {
		out, err = h.auth.Continue(method, data)
		return err
	})
	if err != nil {
		return nil, h.fail(err)
	}

	if out == nil {
		h.state = HandleFinished
	}
	return out, nil
}

// Verify passes the server's final method and data to the wrapped
// authenticator when it implements Verifier, then marks the handle finished.
func (h *Handle) Verify(method string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case HandleIdle:
		return h.fail(fmt.Errorf("%w: verdict before start", ErrMechanism))
	case HandleFailed:
		return fmt.Errorf("%w: %v", ErrAuthenticatorConsumed, h.err)
	}

	if v, ok := h.auth.(Verifier); ok {
		if err := h.guard(func() error { return v.Verify(method, data) }); err != nil {
			return h.fail(err)
		}
	}

	h.state = HandleFinished
	return nil
}

func (h *Handle) fail(err error) error {
	h.state = HandleFailed
	h.err = err
	return err
}

// guard runs fn and turns a panic inside the authenticator into ErrMechanism.
func (h *Handle) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: authenticator panicked: %v", ErrMechanism, r)
		}
	}()
	return fn()
}
