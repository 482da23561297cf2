package mqauth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleLifecycle(t *testing.T) {
	auth := &scriptedAuth{
		method:  "TEST",
		first:   []byte("first"),
		replies: [][]byte{[]byte("second")},
	}
	h := NewHandle(auth)

	assert.Equal(t, "TEST", h.Method())
	assert.Equal(t, HandleIdle, h.State())

	first, err := h.Start()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first)
	assert.Equal(t, HandleStarted, h.State())

	out, err := h.Continue("TEST", []byte("c1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), out)
	assert.Equal(t, HandleStarted, h.State())

	out, err = h.Continue("TEST", []byte("c2"))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, HandleFinished, h.State())

	require.NoError(t, h.Verify("TEST", []byte("v")))
	assert.Equal(t, []byte("v"), auth.verified)
	assert.Equal(t, HandleFinished, h.State())
}

func TestHandleRefusesSecondStart(t *testing.T) {
	h := NewHandle(&scriptedAuth{method: "TEST"})

	_, err := h.Start()
	require.NoError(t, err)

	_, err = h.Start()
	assert.ErrorIs(t, err, ErrAuthenticatorConsumed)
}

func TestHandleContinueBeforeStart(t *testing.T) {
	h := NewHandle(&scriptedAuth{method: "TEST"})

	_, err := h.Continue("TEST", nil)
	assert.ErrorIs(t, err, ErrMechanism)
	assert.Equal(t, HandleFailed, h.State())
	assert.ErrorIs(t, h.Err(), ErrMechanism)

	_, err = h.Start()
	assert.ErrorIs(t, err, ErrAuthenticatorConsumed)
}

func TestHandleChallengeAfterFinish(t *testing.T) {
	h := NewHandle(&scriptedAuth{method: "TEST"})
	_, err := h.Start()
	require.NoError(t, err)
	_, err = h.Continue("TEST", nil)
	require.NoError(t, err)

	_, err = h.Continue("TEST", nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, HandleFailed, h.State())
}

func TestHandleFailureIsSticky(t *testing.T) {
	h := NewHandle(&scriptedAuth{method: "TEST", err: ErrMechanism})
	_, err := h.Start()
	require.NoError(t, err)

	_, err = h.Continue("TEST", nil)
	require.ErrorIs(t, err, ErrMechanism)

	_, err = h.Continue("TEST", nil)
	assert.ErrorIs(t, err, ErrAuthenticatorConsumed)

	err = h.Verify("TEST", nil)
	assert.ErrorIs(t, err, ErrAuthenticatorConsumed)
}

func TestHandleStartError(t *testing.T) {
	h := NewHandle(&scriptedAuth{method: "TEST", startErr: ErrMechanism})

	_, err := h.Start()
	assert.ErrorIs(t, err, ErrMechanism)
	assert.Equal(t, HandleFailed, h.State())
}

func TestHandleVerifyBeforeStart(t *testing.T) {
	h := NewHandle(&scriptedAuth{method: "TEST"})
	assert.ErrorIs(t, h.Verify("TEST", nil), ErrMechanism)
}

func TestHandleWithoutVerifier(t *testing.T) {
	h := NewHandle(plainAuth{})
	_, err := h.Start()
	require.NoError(t, err)

	require.NoError(t, h.Verify("PLAIN", []byte("ignored")))
	assert.Equal(t, HandleFinished, h.State())
}

func TestHandleRecoversPanics(t *testing.T) {
	h := NewHandle(&scriptedAuth{method: "TEST", panicOn: "start"})
	_, err := h.Start()
	assert.ErrorIs(t, err, ErrMechanism)
	assert.Equal(t, HandleFailed, h.State())

	h = NewHandle(&scriptedAuth{method: "TEST", panicOn: "continue"})
	_, err = h.Start()
	require.NoError(t, err)
	_, err = h.Continue("TEST", nil)
	assert.ErrorIs(t, err, ErrMechanism)
	assert.Contains(t, err.Error(), "panicked")
}

func TestNewHandleKeepsHandle(t *testing.T) {
	h := NewHandle(&scriptedAuth{method: "TEST"})
	assert.Same(t, h, NewHandle(h))
}

func TestHandleStateString(t *testing.T) {
	assert.Equal(t, "idle", HandleIdle.String())
	assert.Equal(t, "started", HandleStarted.String())
	assert.Equal(t, "finished", HandleFinished.String())
	assert.Equal(t, "failed", HandleFailed.String())
	assert.Equal(t, "HandleState(9)", HandleState(9).String())
}

// counterAuth is not safe for concurrent use on its own.
type counterAuth struct {
	calls int
}

func (a *counterAuth) Method() string         { return "COUNT" }
func (a *counterAuth) Start() ([]byte, error) { return []byte("0"), nil }

func (a *counterAuth) Continue(string, []byte) ([]byte, error) {
	a.calls++
	return []byte("more"), nil
}

func TestHandleSerializesCalls(t *testing.T) {
	auth := &counterAuth{}
	h := NewHandle(auth)
	_, err := h.Start()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, _ = h.Continue("COUNT", nil)
				_ = h.State()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, auth.calls)
}

type plainAuth struct{}

func (plainAuth) Method() string                          { return "PLAIN" }
func (plainAuth) Start() ([]byte, error)                  { return []byte("\x00user\x00pass"), nil }
func (plainAuth) Continue(string, []byte) ([]byte, error) { return nil, ErrMechanism }
