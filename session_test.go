package mqauth

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/mqauth/internal/packets"
)

func TestKeepalive(t *testing.T) {
	start := time.Now()
	ka := newKeepalive(4*time.Second, start)

	assert.False(t, ka.pingDue(start.Add(2*time.Second)))
	assert.True(t, ka.pingDue(start.Add(3*time.Second)))

	ka.pingPending = true
	assert.False(t, ka.pingDue(start.Add(5*time.Second)))

	assert.False(t, ka.expired(start.Add(5*time.Second)))
	assert.True(t, ka.expired(start.Add(6*time.Second)))

	ka.lastReceived = start.Add(5 * time.Second)
	assert.False(t, ka.expired(start.Add(6*time.Second)))
}

func TestApplyConnack(t *testing.T) {
	var redirects []string
	done := make(chan struct{})
	c := newConnectedClient(
		WithKeepAlive(60*time.Second),
		WithSessionExpiryInterval(300),
		WithOnServerRedirect(func(ref string) {
			redirects = append(redirects, ref)
			close(done)
		}))

	assert.Equal(t, 60*time.Second, c.keepAliveInterval())

	c.applyConnack(&packets.ConnackPacket{Properties: &packets.Properties{
		AssignedClientIdentifier: "auto-7",
		ServerKeepAlive:          10,
		ServerReference:          "tcp://other:1883",
		Presence:                 packets.PresAssignedClientIdentifier | packets.PresServerKeepAlive | packets.PresServerReference,
	}})

	assert.Equal(t, "auto-7", c.AssignedClientID())
	assert.Equal(t, "auto-7", c.opts.ClientID)
	assert.Equal(t, uint16(10), c.ServerKeepAlive())
	assert.Equal(t, 10*time.Second, c.keepAliveInterval())
	assert.Equal(t, uint32(300), c.SessionExpiryInterval())
	assert.Equal(t, "tcp://other:1883", c.ServerReference())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("redirect handler not called")
	}
	assert.Equal(t, []string{"tcp://other:1883"}, redirects)

	// A later CONNACK without overrides restores the requested values.
	c.applyConnack(&packets.ConnackPacket{})
	assert.Equal(t, uint16(0), c.ServerKeepAlive())
	assert.Equal(t, 60*time.Second, c.keepAliveInterval())
}

func TestSessionExpiryIntervalV311(t *testing.T) {
	c := newConnectedClient(WithProtocolVersion(ProtocolV311), WithCleanSession(false), WithClientID("c"))
	assert.Equal(t, uint32(0xFFFFFFFF), c.SessionExpiryInterval())

	c = newConnectedClient(WithProtocolVersion(ProtocolV311))
	assert.Equal(t, uint32(0), c.SessionExpiryInterval())
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		ok   bool
	}{
		{"defaults", nil, true},
		{"persistent session with id", []Option{WithCleanSession(false), WithClientID("c")}, true},
		{"persistent session without id", []Option{WithCleanSession(false)}, false},
		{"assigned id with expiry", []Option{WithCleanSession(false), WithSessionExpiryInterval(60)}, true},
		{"assigned id with zero expiry", []Option{WithCleanSession(false), WithSessionExpiryInterval(0)}, false},
		{"v311 with factory", []Option{
			WithProtocolVersion(ProtocolV311),
			WithAuthenticatorFactory(func() (Authenticator, error) { return &plainAuth{}, nil }),
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buildOptions("tcp://localhost:1883", tt.opts).validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestBuildOptionsNilLogger(t *testing.T) {
	o := buildOptions("tcp://localhost:1883", []Option{WithLogger(nil)})
	require.NotNil(t, o.Logger)
	o.Logger.Info("discarded")
}

func TestDialAppliesOptionsOnce(t *testing.T) {
	var applied int
	count := func(o *clientOptions) { applied++ }
	dialer := DialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("no network")
	})

	_, err := Dial("tcp://localhost:1883", count, WithDialer(dialer), WithAutoReconnect(false))
	require.Error(t, err)
	assert.Equal(t, 1, applied)
}
