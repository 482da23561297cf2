package mqauth_test

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xdg "github.com/xdg-go/scram"

	"github.com/gonzalop/mqauth/internal/packets"
)

// broker is a scripted MQTT v5.0 server. Every accepted connection runs the
// handler in its own goroutine; the connection is closed when it returns.
type broker struct {
	t        *testing.T
	ln       net.Listener
	handler  func(s *session)
	attempts atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func startBroker(t *testing.T, handler func(s *session)) *broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &broker{t: t, ln: ln, handler: handler}
	b.wg.Add(1)
	go b.serve()

	t.Cleanup(func() {
		ln.Close()
		b.mu.Lock()
		for _, conn := range b.conns {
			conn.Close()
		}
		b.mu.Unlock()
		b.wg.Wait()
	})
	return b
}

func (b *broker) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}

		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		n := int(b.attempts.Add(1))
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer conn.Close()
			b.handler(&session{t: b.t, conn: conn, n: n})
		}()
	}
}

func (b *broker) url() string {
	return "tcp://" + b.ln.Addr().String()
}

// session is one client connection seen by the broker. n counts
// connections from 1.
type session struct {
	t    *testing.T
	conn net.Conn
	n    int
}

func (s *session) read() (packets.Packet, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return packets.ReadPacket(s.conn, 5, 0)
}

func (s *session) write(pkt packets.Packet) {
	_, _ = pkt.WriteTo(s.conn)
}

func (s *session) expectConnect() *packets.ConnectPacket {
	pkt, err := s.read()
	if !assert.NoError(s.t, err) {
		return nil
	}
	connect, ok := pkt.(*packets.ConnectPacket)
	assert.True(s.t, ok, "expected CONNECT, got %s", packets.Name(pkt.Type()))
	return connect
}

func (s *session) expectAuth() *packets.AuthPacket {
	pkt, err := s.read()
	if !assert.NoError(s.t, err) {
		return nil
	}
	auth, ok := pkt.(*packets.AuthPacket)
	assert.True(s.t, ok, "expected AUTH, got %s", packets.Name(pkt.Type()))
	return auth
}

// expectDisconnect returns the reason code of the client's DISCONNECT.
func (s *session) expectDisconnect() (uint8, bool) {
	pkt, err := s.read()
	if !assert.NoError(s.t, err) {
		return 0, false
	}
	d, ok := pkt.(*packets.DisconnectPacket)
	if !assert.True(s.t, ok, "expected DISCONNECT, got %s", packets.Name(pkt.Type())) {
		return 0, false
	}
	return d.ReasonCode, true
}

// drain reads until the client goes away and returns what it sent.
func (s *session) drain() []packets.Packet {
	var seen []packets.Packet
	for {
		pkt, err := s.read()
		if err != nil {
			return seen
		}
		seen = append(seen, pkt)
	}
}

func (s *session) accept(props *packets.Properties) {
	s.write(&packets.ConnackPacket{ReturnCode: packets.ConnAccepted, Properties: props})
}

func (s *session) refuse(code uint8, reason string) {
	props := &packets.Properties{}
	if reason != "" {
		props.ReasonString = reason
		props.Presence |= packets.PresReasonString
	}
	s.write(&packets.ConnackPacket{ReturnCode: code, Properties: props})
}

func authProps(method string, data []byte) *packets.Properties {
	props := &packets.Properties{}
	props.SetAuth(method, data)
	return props
}

// newSCRAMServer returns a SCRAM server that knows a single user.
func newSCRAMServer(t *testing.T, gen xdg.HashGeneratorFcn, username, password string) *xdg.Server {
	t.Helper()

	ref, err := gen.NewClient(username, password, "")
	require.NoError(t, err)
	creds := ref.GetStoredCredentials(xdg.KeyFactors{Salt: "mqauth-broker-salt", Iters: 4096})

	srv, err := gen.NewServer(func(name string) (xdg.StoredCredentials, error) {
		if name != username {
			return xdg.StoredCredentials{}, errors.New("unknown user")
		}
		return creds, nil
	})
	require.NoError(t, err)
	return srv
}

// runSCRAM answers the SCRAM exchange whose client-first message arrived in
// props. It returns the server-final message and whether the proof was
// valid.
func (s *session) runSCRAM(srv *xdg.Server, props *packets.Properties) (method, serverFinal string, ok bool) {
	method, clientFirst := props.Auth()
	conv := srv.NewConversation()

	serverFirst, err := conv.Step(string(clientFirst))
	if !assert.NoError(s.t, err) {
		return method, "", false
	}
	s.write(packets.NewAuth(packets.AuthReasonContinue, method, []byte(serverFirst)))

	auth := s.expectAuth()
	if auth == nil {
		return method, "", false
	}
	assert.Equal(s.t, packets.AuthReasonContinue, auth.ReasonCode)
	echoed, clientFinal := auth.Properties.Auth()
	assert.Equal(s.t, method, echoed)

	serverFinal, err = conv.Step(string(clientFinal))
	return method, serverFinal, err == nil && conv.Valid()
}
