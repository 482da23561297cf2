package mqauth

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// saslAuthenticator adapts a go-sasl client.
type saslAuthenticator struct {
	client  sasl.Client
	mech    string
	initial []byte
	err     error
	started bool
}

// SASL adapts a github.com/emersion/go-sasl client, such as the ones built
// by sasl.NewPlainClient or sasl.NewOAuthBearerClient, into an
// Authenticator. The mechanism name reported by the client is the
// authentication method.
//
// The client's Start runs when SASL is called, since the method must be known
// before the first message is produced; its result is returned by Start.
//
//	auth := mqauth.SASL(sasl.NewPlainClient("", "user", "pass"))
//	client, err := mqauth.Dial("tls://broker:8883", mqauth.WithAuthenticator(auth))
func SASL(client sasl.Client) Authenticator {
	a := &saslAuthenticator{client: client}
	a.mech, a.initial, a.err = client.Start()
	return a
}

func (a *saslAuthenticator) Method() string {
	return a.mech
}

func (a *saslAuthenticator) Start() ([]byte, error) {
	if a.started {
		return nil, fmt.Errorf("%w: sasl %s started twice", ErrMechanism, a.mech)
	}
	a.started = true
	if a.err != nil {
		return nil, fmt.Errorf("%w: sasl start: %v", ErrMechanism, a.err)
	}
	return a.initial, nil
}

func (a *saslAuthenticator) Continue(method string, data []byte) ([]byte, error) {
	if method != a.mech {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrInvalidMethod, method, a.mech)
	}
	if !a.started || a.err != nil {
		return nil, fmt.Errorf("%w: sasl %s challenge before start", ErrMechanism, a.mech)
	}

	resp, err := a.client.Next(data)
	if err != nil {
		return nil, fmt.Errorf("%w: sasl %s: %v", ErrMechanism, a.mech, err)
	}
	if resp == nil {
		// go-sasl returns nil for an empty response.
		resp = []byte{}
	}
	return resp, nil
}
