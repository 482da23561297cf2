package mqauth

import (
	"context"
	"sync/atomic"
)

// Token tracks a re-authentication after Reauthenticate handed it to the
// client. It completes once the server accepted the exchange or the
// exchange failed.
//
//	token, err := client.Reauthenticate(ctx)
//	if err == nil {
//	    err = token.Wait(ctx)
//	}
//
// Done and Error serve callers that select over several events:
//
//	select {
//	case <-token.Done():
//	    err = token.Error()
//	case <-time.After(5 * time.Second):
//	}
type Token interface {
	// Wait returns the outcome, or ctx.Err() if ctx ends first. Giving up
	// on the wait leaves the exchange running.
	Wait(ctx context.Context) error

	// Done is closed on completion.
	Done() <-chan struct{}

	// Error returns the outcome, or nil while the exchange is running.
	Error() error
}

type token struct {
	finished atomic.Bool
	done     chan struct{}
	err      error // written once, before done is closed
}

func newToken() *token {
	return &token{done: make(chan struct{})}
}

func (t *token) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}

func (t *token) Done() <-chan struct{} { return t.done }

func (t *token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// complete records err as the outcome. Only the first call counts.
func (t *token) complete(err error) {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	t.err = err
	close(t.done)
}
