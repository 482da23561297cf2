package mqauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/gonzalop/mqauth/internal/packets"
)

// exchange is one run of an authentication mechanism over the wire: the
// CONNECT handshake or one re-authentication.
type exchange struct {
	handle  *Handle
	method  string
	reauth  bool
	rounds  int
	started time.Time

	// initial is the result of Start, sent in CONNECT or in the
	// Re-authenticate AUTH packet.
	initial []byte

	// clientDone is set once Continue returned nil.
	clientDone bool

	// Re-authentication only
	token *token
	gen   uint64
}

func (ex *exchange) phase() string {
	if ex.reauth {
		return phaseReauth
	}
	return phaseConnect
}

// fail wraps err in an *AuthError describing ex, unless it already is one.
func (ex *exchange) fail(err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return err
	}
	return &AuthError{Method: ex.method, Round: ex.rounds, Reauth: ex.reauth, Err: err}
}

// startExchange produces the first client message of h. The returned
// exchange is non-nil even on error so the failure can be recorded.
func (c *Client) startExchange(h *Handle, reauth bool) (*exchange, error) {
	ex := &exchange{
		handle:  h,
		method:  h.Method(),
		reauth:  reauth,
		started: time.Now(),
	}

	data, err := h.Start()
	if err != nil {
		return ex, ex.fail(err)
	}
	if ex.method == "" {
		return ex, ex.fail(fmt.Errorf("%w: authenticator has an empty method", ErrInvalidMethod))
	}
	if len(ex.method) > packets.MaxFieldLen {
		return ex, ex.fail(fmt.Errorf("%w: method of %d bytes", ErrInvalidMethod, len(ex.method)))
	}
	if err := checkMessage(data); err != nil {
		return ex, ex.fail(err)
	}
	ex.initial = data

	c.opts.Logger.Debug("authentication started",
		"method", ex.method,
		"reauth", reauth,
		"data_len", len(data))
	return ex, nil
}

// buildConnectPacket assembles CONNECT from the options. On v5.0 it carries
// the method and first message of ex, which is nil without enhanced
// authentication.
func (c *Client) buildConnectPacket(ex *exchange) *packets.ConnectPacket {
	pkt := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: c.opts.ProtocolVersion,
		CleanSession:  c.opts.CleanSession,
		KeepAlive:     keepAliveSeconds(c.opts.KeepAlive),
		ClientID:      c.opts.ClientID,
	}
	if c.opts.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.opts.Username
	}
	if c.opts.Password != "" {
		pkt.PasswordFlag = true
		pkt.Password = c.opts.Password
	}

	if c.opts.ProtocolVersion < ProtocolV50 {
		return pkt
	}

	props := &packets.Properties{}
	if c.opts.SessionExpirySet {
		props.SessionExpiryInterval = c.opts.SessionExpiryInterval
		props.Presence |= packets.PresSessionExpiryInterval
	}
	if c.opts.RequestProblemInformation {
		props.RequestProblemInformation = 1
		props.Presence |= packets.PresRequestProblemInformation
	}
	if size := c.opts.MaxIncomingPacket; size > 0 {
		props.MaximumPacketSize = uint32(min(uint64(size), math.MaxUint32))
		props.Presence |= packets.PresMaximumPacketSize
	}
	if ex != nil {
		props.SetAuth(ex.method, ex.initial)
	}
	pkt.Properties = props
	return pkt
}

// keepAliveSeconds converts d to the Keep Alive field. A positive interval
// never becomes 0, which would turn keepalive off.
func keepAliveSeconds(d time.Duration) uint16 {
	switch s := d / time.Second; {
	case d <= 0:
		return 0
	case s < 1:
		return 1
	case s > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(s)
	}
}

// checkMessage rejects a mechanism message that does not fit Authentication
// Data.
func checkMessage(data []byte) error {
	if len(data) > packets.MaxFieldLen {
		return fmt.Errorf("%w: message of %d bytes exceeds %d", ErrMechanism, len(data), packets.MaxFieldLen)
	}
	return nil
}

// checkEcho rejects a server verdict that names a method other than the one
// of ex. A verdict without a method is accepted.
func checkEcho(ex *exchange, props *packets.Properties) error {
	if !props.Has(packets.PresAuthenticationMethod) {
		return nil
	}
	if method, _ := props.Auth(); method != ex.method {
		return fmt.Errorf("%w: server answered with %q, want %q", ErrInvalidMethod, method, ex.method)
	}
	return nil
}

// answerChallenge runs one Continue round for an AUTH packet. It returns the
// AUTH packet to send back, or nil when the client side is complete.
func (c *Client) answerChallenge(ex *exchange, p *packets.AuthPacket) (*packets.AuthPacket, error) {
	if p.ReasonCode != packets.AuthReasonContinue {
		return nil, fmt.Errorf("%w: unexpected AUTH reason code 0x%02X", ErrProtocolViolation, p.ReasonCode)
	}
	if ex.clientDone {
		return nil, fmt.Errorf("%w: AUTH challenge after the client finished", ErrProtocolViolation)
	}

	method, data := p.Properties.Auth()
	ex.rounds++
	c.stats.authRounds.Add(1)
	c.metrics.round(ex.method)

	c.opts.Logger.Debug("received AUTH challenge",
		"method", method,
		"round", ex.rounds,
		"data_len", len(data))

	out, err := ex.handle.Continue(method, data)
	if err != nil {
		return nil, err
	}
	if err := checkMessage(out); err != nil {
		return nil, err
	}
	if out == nil {
		ex.clientDone = true
		c.opts.Logger.Debug("client side of authentication complete", "method", ex.method, "round", ex.rounds)
		return nil, nil
	}
	return packets.NewAuth(packets.AuthReasonContinue, ex.method, out), nil
}

// recordOutcome logs the end of ex and updates the metrics.
func (c *Client) recordOutcome(ex *exchange, err error) {
	result := resultLabel(err)
	c.metrics.result(ex.method, ex.phase(), result, time.Since(ex.started))

	if err != nil {
		c.opts.Logger.Warn("authentication failed",
			"method", ex.method,
			"phase", ex.phase(),
			"round", ex.rounds,
			"result", result,
			"error", err)
		return
	}
	c.opts.Logger.Debug("authentication succeeded",
		"method", ex.method,
		"phase", ex.phase(),
		"rounds", ex.rounds)
}

// performHandshake reads packets until CONNACK, answering AUTH challenges
// for ex along the way. On an authentication failure it sends DISCONNECT
// with the matching reason code. The caller closes conn on error.
func (c *Client) performHandshake(ctx context.Context, conn net.Conn, ex *exchange, r io.Reader, w io.Writer) (*packets.ConnackPacket, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.ConnectTimeout)
	}

	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		pkt, err := packets.ReadPacket(r, c.opts.ProtocolVersion, c.opts.MaxIncomingPacket)
		if errors.Is(err, packets.ErrAuthVersion) {
			return nil, c.violation(w, ex, "received AUTH packet in v3.1.1")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		c.stats.packetsReceived.Add(1)

		switch p := pkt.(type) {
		case *packets.ConnackPacket:
			return p, nil

		case *packets.AuthPacket:
			if ex == nil {
				return nil, c.violation(w, nil, "received AUTH packet but no authenticator configured")
			}

			resp, err := c.answerChallenge(ex, p)
			if err != nil {
				err = ex.fail(err)
				c.sendDisconnect(w, disconnectReasonFor(err))
				return nil, err
			}
			if resp == nil {
				continue
			}

			if _, err := resp.WriteTo(w); err != nil {
				return nil, fmt.Errorf("failed to send AUTH response: %w", err)
			}
			c.stats.packetsSent.Add(1)

		default:
			return nil, c.violation(w, ex, fmt.Sprintf("expected CONNACK or AUTH, got %s", packets.Name(pkt.Type())))
		}
	}
}

// violation reports a protocol violation during the handshake.
func (c *Client) violation(w io.Writer, ex *exchange, msg string) error {
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, msg)
	if ex != nil {
		err = ex.fail(err)
	}
	c.sendDisconnect(w, ReasonCodeProtocolError)
	return err
}
