package mqauth

import (
	"context"
	"fmt"
)

// Reauthenticate starts a new authentication exchange on the established
// connection (MQTT v5.0).
//
// A fresh authenticator is built with the factory given to
// WithAuthenticatorFactory and started in the calling goroutine. Its first
// message is sent in an AUTH packet with reason code 0x19 (Re-authenticate);
// server challenges are answered by the client's packet loop. The method
// must be the one the connection was established with.
//
// The returned Token completes when the server answers AUTH with reason
// code 0x00 (Success) and the authenticator accepted it, or with an
// *AuthError. A failure on the client side aborts the connection with a
// DISCONNECT; a server that refuses closes it with its own DISCONNECT,
// reported as an *AuthError wrapping ErrConnectionRefused and the
// *DisconnectError.
//
// Returns an error right away if:
//   - Not using MQTT v5.0
//   - No authenticator factory configured (ErrNoAuthenticator)
//   - Not connected (ErrClientDisconnected)
//   - Another re-authentication is in flight (ErrReauthInProgress)
//   - The authenticator could not be built or started
//
// Example:
//
//	ticker := time.NewTicker(30 * time.Minute)
//	go func() {
//	    for range ticker.C {
//	        token, err := client.Reauthenticate(context.Background())
//	        if err == nil {
//	            err = token.Wait(context.Background())
//	        }
//	        if err != nil {
//	            log.Printf("Re-authentication failed: %v", err)
//	        }
//	    }
//	}()
func (c *Client) Reauthenticate(ctx context.Context) (Token, error) {
	if c.opts.ProtocolVersion < ProtocolV50 {
		return nil, fmt.Errorf("re-authentication requires MQTT v5.0")
	}

	if c.opts.AuthenticatorFactory == nil {
		return nil, ErrNoAuthenticator
	}

	if !c.IsConnected() {
		return nil, ErrClientDisconnected
	}

	if !c.reauthBusy.CompareAndSwap(false, true) {
		return nil, ErrReauthInProgress
	}
	handedOff := false
	defer func() {
		if !handedOff {
			c.reauthBusy.Store(false)
		}
	}()

	c.connLock.RLock()
	method, gen := c.authMethod, c.connGen
	c.connLock.RUnlock()

	if method == "" {
		return nil, fmt.Errorf("%w: connection was established without enhanced authentication", ErrNoAuthenticator)
	}

	h, err := c.newAuthenticator()
	if err != nil {
		return nil, err
	}

	ex, err := c.startExchange(h, true)
	if err == nil && ex.method != method {
		err = ex.fail(fmt.Errorf("%w: got %q, connection uses %q", ErrInvalidMethod, ex.method, method))
	}
	if err != nil {
		c.recordOutcome(ex, err)
		return nil, err
	}

	ex.token = newToken()
	ex.gen = gen

	select {
	case c.reauthRequests <- ex:
		handedOff = true
		return ex.token, nil
	case <-c.stop:
		return nil, ErrClientDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
