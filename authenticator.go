package mqauth

// Authenticator drives one challenge/response mechanism for MQTT v5.0
// enhanced authentication (the CONNECT / AUTH / CONNACK exchange).
//
// The client never interprets the bytes an Authenticator produces or
// consumes; it only moves them between the mechanism and the wire:
//  1. Start is called once, before the connection is opened. Its result is
//     sent in the CONNECT packet's AuthenticationData property.
//  2. Continue is called for every AUTH packet the server sends with reason
//     code 0x18 (Continue authentication).
//  3. If the Authenticator also implements Verifier, Verify is called with
//     the method and data of the CONNACK that accepts the connection.
//
// An Authenticator is single-use: its state is consumed round by round and
// is never reset. Use WithAuthenticatorFactory so that reconnects and
// re-authentication get a fresh instance.
//
// Example implementation (single token, no challenges):
//
//	type TokenAuth struct {
//	    token string
//	}
//
//	func (t *TokenAuth) Method() string {
//	    return "TOKEN"
//	}
//
//	func (t *TokenAuth) Start() ([]byte, error) {
//	    return []byte(t.token), nil
//	}
//
//	func (t *TokenAuth) Continue(method string, data []byte) ([]byte, error) {
//	    return nil, fmt.Errorf("%w: unexpected challenge", mqauth.ErrMechanism)
//	}
type Authenticator interface {
	// Method returns the authentication method name, for example
	// "SCRAM-SHA-256". It must not change over the life of the value.
	Method() string

	// Start produces the first client message. It is called exactly once,
	// before any network exchange. A nil result sends CONNECT without
	// AuthenticationData.
	Start() ([]byte, error)

	// Continue processes one server challenge.
	//
	// method is the AuthenticationMethod of the server's packet, "" when the
	// property is absent. data is its AuthenticationData, nil when absent.
	// A missing or different method must fail with ErrInvalidMethod
	// whatever data holds.
	//
	// A non-nil result is sent to the server in the next AUTH packet. A nil
	// result with a nil error means the client side of the exchange is
	// complete and the client only waits for the server's verdict. Any error
	// ends the exchange and aborts the connection.
	//
	// Continue runs synchronously in the packet processing loop and must
	// return quickly.
	Continue(method string, data []byte) ([]byte, error)
}

// Verifier is implemented by authenticators that check the server's
// final message, such as the SCRAM server signature.
type Verifier interface {
	// Verify is called with the AuthenticationMethod and AuthenticationData
	// of the packet that ends the exchange successfully: CONNACK at connect
	// time, AUTH with reason code 0x00 during re-authentication. A returned
	// error aborts the connection.
	Verify(method string, data []byte) error
}

// Factory builds a new Authenticator. The client calls it once per
// connection attempt and once per re-authentication.
type Factory func() (Authenticator, error)
