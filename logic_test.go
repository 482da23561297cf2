package mqauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/mqauth/internal/packets"
)

func nextOutgoing(t *testing.T, c *Client) packets.Packet {
	t.Helper()
	select {
	case pkt := <-c.outgoing:
		return pkt
	case <-time.After(time.Second):
		t.Fatal("no packet queued")
		return nil
	}
}

func requireDisconnect(t *testing.T, c *Client, reason ReasonCode) {
	t.Helper()
	pkt := nextOutgoing(t, c)
	d, ok := pkt.(*packets.DisconnectPacket)
	require.True(t, ok, "expected DISCONNECT, got %s", packets.Name(pkt.Type()))
	assert.Equal(t, uint8(reason), d.ReasonCode)
}

func TestAuthOutsideReauthenticationAborts(t *testing.T) {
	c := newConnectedClient()

	c.handleIncoming(packets.NewAuth(packets.AuthReasonContinue, "TEST", []byte("x")))
	requireDisconnect(t, c, ReasonCodeProtocolError)
	assert.ErrorIs(t, c.lastDisconnectReason, ErrProtocolViolation)

	// Further packets on the aborted connection are ignored.
	c.handleIncoming(packets.NewAuth(packets.AuthReasonContinue, "TEST", []byte("y")))
	c.handleIncoming(&packets.ConnackPacket{})
	assert.Empty(t, c.outgoing)
}

func TestConnackOnEstablishedConnectionAborts(t *testing.T) {
	c := newConnectedClient()

	c.handleIncoming(&packets.ConnackPacket{})
	requireDisconnect(t, c, ReasonCodeProtocolError)
}

func TestPingrespSignalsWriteLoop(t *testing.T) {
	c := newConnectedClient()

	c.handleIncoming(&packets.PingrespPacket{})
	assert.Len(t, c.pingPendingCh, 1)
	assert.Empty(t, c.outgoing)
}

func TestReauthenticationRounds(t *testing.T) {
	c := newConnectedClient()
	auth := &scriptedAuth{
		method:  "TEST",
		first:   []byte("hello"),
		replies: [][]byte{[]byte("r1")},
	}

	ex, err := startReauth(c, auth)
	require.NoError(t, err)
	c.beginReauth(ex)

	start, ok := nextOutgoing(t, c).(*packets.AuthPacket)
	require.True(t, ok)
	assert.Equal(t, packets.AuthReasonReauthenticate, start.ReasonCode)
	method, data := start.Properties.Auth()
	assert.Equal(t, "TEST", method)
	assert.Equal(t, []byte("hello"), data)

	c.handleIncoming(packets.NewAuth(packets.AuthReasonContinue, "TEST", []byte("c1")))
	resp, ok := nextOutgoing(t, c).(*packets.AuthPacket)
	require.True(t, ok)
	assert.Equal(t, packets.AuthReasonContinue, resp.ReasonCode)
	_, data = resp.Properties.Auth()
	assert.Equal(t, []byte("r1"), data)

	c.handleIncoming(packets.NewAuth(packets.AuthReasonSuccess, "TEST", []byte("fin")))

	require.NoError(t, ex.token.Wait(context.Background()))
	assert.Equal(t, [][]byte{[]byte("c1")}, auth.challenges)
	assert.Equal(t, []byte("fin"), auth.verified)
	assert.Nil(t, c.reauth)
	assert.False(t, c.reauthBusy.Load())

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.AuthRounds)
	assert.Equal(t, uint64(1), stats.Reauthentications)
	assert.Empty(t, c.outgoing)
}

func TestReauthenticationClientFinishesEarly(t *testing.T) {
	c := newConnectedClient()
	auth := &scriptedAuth{method: "TEST", first: []byte("hello")}

	ex, err := startReauth(c, auth)
	require.NoError(t, err)
	c.beginReauth(ex)
	nextOutgoing(t, c)

	// Continue returns nil: nothing is sent back.
	c.handleIncoming(packets.NewAuth(packets.AuthReasonContinue, "TEST", []byte("c1")))
	assert.Empty(t, c.outgoing)
	assert.True(t, ex.clientDone)

	// A second challenge is a protocol violation.
	c.handleIncoming(packets.NewAuth(packets.AuthReasonContinue, "TEST", []byte("c2")))
	err = ex.token.Wait(context.Background())
	require.ErrorIs(t, err, ErrProtocolViolation)
	requireDisconnect(t, c, ReasonCodeProtocolError)
}

func TestReauthenticationFailures(t *testing.T) {
	tests := []struct {
		name   string
		auth   Authenticator
		packet *packets.AuthPacket
		kind   error
		reason ReasonCode
	}{
		{
			name:   "wrong method",
			auth:   &scriptedAuth{method: "TEST", first: []byte("a")},
			packet: packets.NewAuth(packets.AuthReasonContinue, "OTHER", []byte("c")),
			kind:   ErrInvalidMethod,
			reason: ReasonCodeBadAuthMethod,
		},
		{
			name:   "mechanism error",
			auth:   &scriptedAuth{method: "TEST", first: []byte("a"), err: ErrMechanism},
			packet: packets.NewAuth(packets.AuthReasonContinue, "TEST", []byte("c")),
			kind:   ErrMechanism,
			reason: ReasonCodeUnspecifiedError,
		},
		{
			name:   "server sends re-authenticate",
			auth:   &scriptedAuth{method: "TEST", first: []byte("a")},
			packet: packets.NewAuth(packets.AuthReasonReauthenticate, "TEST", nil),
			kind:   ErrProtocolViolation,
			reason: ReasonCodeProtocolError,
		},
		{
			name:   "success names another method",
			auth:   unverified{&scriptedAuth{method: "TEST", first: []byte("a")}},
			packet: packets.NewAuth(packets.AuthReasonSuccess, "OTHER", nil),
			kind:   ErrInvalidMethod,
			reason: ReasonCodeBadAuthMethod,
		},
		{
			name:   "success with empty method",
			auth:   unverified{&scriptedAuth{method: "TEST", first: []byte("a")}},
			packet: packets.NewAuth(packets.AuthReasonSuccess, "", nil),
			kind:   ErrInvalidMethod,
			reason: ReasonCodeBadAuthMethod,
		},
		{
			name:   "oversize response",
			auth:   &scriptedAuth{method: "TEST", first: []byte("a"), replies: [][]byte{make([]byte, packets.MaxFieldLen+1)}},
			packet: packets.NewAuth(packets.AuthReasonContinue, "TEST", []byte("c")),
			kind:   ErrMechanism,
			reason: ReasonCodeUnspecifiedError,
		},
		{
			name:   "verification fails",
			auth:   &scriptedAuth{method: "TEST", first: []byte("a"), verifyErr: ErrMechanism},
			packet: packets.NewAuth(packets.AuthReasonSuccess, "TEST", []byte("v")),
			kind:   ErrMechanism,
			reason: ReasonCodeUnspecifiedError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConnectedClient()
			ex, err := startReauth(c, tt.auth)
			require.NoError(t, err)
			c.beginReauth(ex)
			nextOutgoing(t, c)

			c.handleIncoming(tt.packet)

			err = ex.token.Wait(context.Background())
			require.ErrorIs(t, err, tt.kind)

			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			assert.True(t, authErr.Reauth)
			assert.Equal(t, "TEST", authErr.Method)

			requireDisconnect(t, c, tt.reason)
			assert.False(t, c.reauthBusy.Load())
			assert.Equal(t, uint64(0), c.GetStats().Reauthentications)
		})
	}
}

func TestReauthenticationOnReplacedConnection(t *testing.T) {
	c := newConnectedClient()
	ex, err := startReauth(c, &scriptedAuth{method: "TEST", first: []byte("a")})
	require.NoError(t, err)

	c.connLock.Lock()
	c.connGen++
	c.connLock.Unlock()

	c.beginReauth(ex)
	assert.ErrorIs(t, ex.token.Wait(context.Background()), ErrClientDisconnected)
	assert.Empty(t, c.outgoing)
	assert.False(t, c.reauthBusy.Load())
}

func TestServerDisconnectFailsReauthentication(t *testing.T) {
	c := newConnectedClient()
	ex, err := startReauth(c, &scriptedAuth{method: "TEST", first: []byte("a")})
	require.NoError(t, err)
	c.beginReauth(ex)
	nextOutgoing(t, c)

	props := &packets.Properties{
		ReasonString: "token revoked",
		Presence:     packets.PresReasonString,
	}
	c.handleIncoming(&packets.DisconnectPacket{
		Version:    ProtocolV50,
		ReasonCode: uint8(ReasonCodeNotAuthorized),
		Properties: props,
	})

	err = ex.token.Wait(context.Background())
	require.ErrorIs(t, err, ErrConnectionRefused)
	assert.ErrorIs(t, err, ReasonCodeNotAuthorized)

	var discErr *DisconnectError
	require.ErrorAs(t, err, &discErr)
	assert.Equal(t, "token revoked", discErr.ReasonString)

	// The server closes the connection itself.
	assert.Empty(t, c.outgoing)
}

func TestDisconnectErrorFromPacket(t *testing.T) {
	props := &packets.Properties{
		ReasonString:          "moving",
		ServerReference:       "tcp://other:1883",
		SessionExpiryInterval: 30,
		UserProperties:        []packets.UserProperty{{Key: "k", Value: "v"}},
		Presence:              packets.PresReasonString | packets.PresServerReference | packets.PresSessionExpiryInterval,
	}

	err := disconnectError(&packets.DisconnectPacket{
		Version:    ProtocolV50,
		ReasonCode: uint8(ReasonCodeServerMoved),
		Properties: props,
	})

	assert.Equal(t, ReasonCodeServerMoved, err.ReasonCode)
	assert.Equal(t, "moving", err.ReasonString)
	assert.Equal(t, "tcp://other:1883", err.ServerReference)
	assert.Equal(t, uint32(30), err.SessionExpiryInterval)
	assert.Equal(t, map[string]string{"k": "v"}, err.UserProperties)
	assert.True(t, errors.Is(err, ReasonCodeServerMoved))

	plain := disconnectError(&packets.DisconnectPacket{Version: ProtocolV50})
	assert.Equal(t, ReasonCodeNormalDisconnect, plain.ReasonCode)
	assert.Empty(t, plain.ReasonString)
}

func TestServerRedirectOnDisconnect(t *testing.T) {
	redirected := make(chan string, 1)
	c := newConnectedClient(WithOnServerRedirect(func(uri string) { redirected <- uri }))

	c.handleIncoming(&packets.DisconnectPacket{
		Version:    ProtocolV50,
		ReasonCode: uint8(ReasonCodeUseAnotherServer),
		Properties: &packets.Properties{
			ServerReference: "tcp://backup:1883",
			Presence:        packets.PresServerReference,
		},
	})

	select {
	case uri := <-redirected:
		assert.Equal(t, "tcp://backup:1883", uri)
	case <-time.After(time.Second):
		t.Fatal("redirect handler not called")
	}
	assert.Equal(t, "tcp://backup:1883", c.ServerReference())
}

func TestLogicLoopStopFailsReauthentication(t *testing.T) {
	c := newConnectedClient()
	c.wg.Add(1)
	go c.logicLoop()

	ex, err := startReauth(c, &scriptedAuth{method: "TEST", first: []byte("a")})
	require.NoError(t, err)
	c.reauthRequests <- ex
	nextOutgoing(t, c)

	close(c.stop)
	c.wg.Wait()

	assert.ErrorIs(t, ex.token.Wait(context.Background()), ErrClientDisconnected)
	assert.False(t, c.reauthBusy.Load())
}

func TestLogicLoopConnectionLost(t *testing.T) {
	c := newConnectedClient()
	c.wg.Add(1)
	go c.logicLoop()
	defer func() {
		close(c.stop)
		c.wg.Wait()
	}()

	ex, err := startReauth(c, &scriptedAuth{method: "TEST", first: []byte("a")})
	require.NoError(t, err)
	c.reauthRequests <- ex
	nextOutgoing(t, c)

	c.handleDisconnect(1)

	err = ex.token.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClientDisconnected)
	assert.False(t, c.IsConnected())
}

func TestLogicLoopHandlesDisconnectBeforeLoss(t *testing.T) {
	c := newConnectedClient()
	ex, err := startReauth(c, &scriptedAuth{method: "TEST", first: []byte("a")})
	require.NoError(t, err)
	c.beginReauth(ex)
	nextOutgoing(t, c)

	// The read loop queued DISCONNECT, then the socket closed.
	c.incoming <- &packets.DisconnectPacket{Version: ProtocolV50, ReasonCode: uint8(ReasonCodeNotAuthorized)}
	c.handleDisconnect(1)

	c.wg.Add(1)
	go c.logicLoop()
	defer func() {
		close(c.stop)
		c.wg.Wait()
	}()

	err = ex.token.Wait(context.Background())
	assert.ErrorIs(t, err, ErrConnectionRefused)
	assert.ErrorIs(t, err, ReasonCodeNotAuthorized)
}

func TestReauthenticationSuccessWithoutMethod(t *testing.T) {
	c := newConnectedClient()
	ex, err := startReauth(c, unverified{&scriptedAuth{method: "TEST", first: []byte("a")}})
	require.NoError(t, err)
	c.beginReauth(ex)
	nextOutgoing(t, c)

	c.handleIncoming(&packets.AuthPacket{Version: ProtocolV50, ReasonCode: packets.AuthReasonSuccess})

	require.NoError(t, ex.token.Wait(context.Background()))
	assert.Equal(t, uint64(1), c.GetStats().Reauthentications)
	assert.Empty(t, c.outgoing)
}
