package mqauth

import (
	"fmt"

	"github.com/gonzalop/mqauth/internal/packets"
)

// logicLoop is the single-threaded state machine that handles packets of an
// established connection. It owns the re-authentication in flight, so every
// Continue call finishes before the next packet is looked at.
func (c *Client) logicLoop() {
	defer c.wg.Done()

	for {
		select {
		case pkt := <-c.incoming:
			c.handleIncoming(pkt)

		case ex := <-c.reauthRequests:
			c.beginReauth(ex)

		case <-c.lost:
			c.drainIncoming()
			if c.reauth != nil && (c.reauth.gen != c.currentGen() || !c.IsConnected()) {
				c.dropReauth(ErrClientDisconnected)
			}

		case <-c.stop:
			c.opts.Logger.Debug("logicLoop stopped")
			if c.reauth != nil {
				c.dropReauth(ErrClientDisconnected)
			}
			return
		}
	}
}

// handleIncoming processes incoming packets from the server.
func (c *Client) handleIncoming(pkt packets.Packet) {
	gen := c.currentGen()
	if c.abortedGen == gen {
		c.opts.Logger.Debug("ignoring packet on aborted connection", "type", packets.Name(pkt.Type()))
		return
	}
	if c.reauth != nil && c.reauth.gen != gen {
		c.dropReauth(ErrClientDisconnected)
	}

	switch p := pkt.(type) {
	case *packets.PingrespPacket:
		// Keepalive response - signal writeLoop that PINGRESP was received
		select {
		case c.pingPendingCh <- struct{}{}:
		default:
		}

	case *packets.DisconnectPacket:
		c.handleDisconnectPacket(p)

	case *packets.AuthPacket:
		c.handleAuth(p)

	case *packets.ConnackPacket:
		c.abort(fmt.Errorf("%w: CONNACK on an established connection", ErrProtocolViolation))

	default:
		c.opts.Logger.Debug("ignoring packet", "type", packets.Name(pkt.Type()))
	}
}

// drainIncoming handles the packets the read loop queued before the
// connection went away.
func (c *Client) drainIncoming() {
	for {
		select {
		case pkt := <-c.incoming:
			c.handleIncoming(pkt)
		default:
			return
		}
	}
}

// beginReauth sends the Re-authenticate AUTH packet for ex.
func (c *Client) beginReauth(ex *exchange) {
	gen := c.currentGen()
	if !c.IsConnected() || ex.gen != gen || c.abortedGen == gen {
		c.reauth = ex
		c.dropReauth(ErrClientDisconnected)
		return
	}

	c.reauth = ex
	c.opts.Logger.Debug("sending re-authentication request", "method", ex.method, "data_len", len(ex.initial))
	c.send(packets.NewAuth(packets.AuthReasonReauthenticate, ex.method, ex.initial))
}

// handleAuth processes an AUTH packet on an established connection.
func (c *Client) handleAuth(p *packets.AuthPacket) {
	ex := c.reauth
	if ex == nil {
		c.abort(fmt.Errorf("%w: AUTH packet (reason 0x%02X) outside re-authentication", ErrProtocolViolation, p.ReasonCode))
		return
	}

	switch p.ReasonCode {
	case packets.AuthReasonSuccess:
		method, data := p.Properties.Auth()
		c.opts.Logger.Debug("re-authentication accepted", "method", method, "data_len", len(data))
		if err := checkEcho(ex, p.Properties); err != nil {
			c.endReauth(err)
			return
		}
		c.endReauth(ex.handle.Verify(method, data))

	case packets.AuthReasonContinue:
		resp, err := c.answerChallenge(ex, p)
		if err != nil {
			c.endReauth(err)
			return
		}
		if resp != nil {
			c.send(resp)
		}

	default:
		c.endReauth(fmt.Errorf("%w: unexpected AUTH reason code 0x%02X", ErrProtocolViolation, p.ReasonCode))
	}
}

// endReauth completes the re-authentication in flight. A failure aborts
// the connection.
func (c *Client) endReauth(err error) {
	ex := c.reauth
	c.reauth = nil

	if err != nil {
		err = ex.fail(err)
	} else {
		c.stats.reauths.Add(1)
	}
	c.recordOutcome(ex, err)
	ex.token.complete(err)
	c.reauthBusy.Store(false)

	if err != nil {
		c.abort(err)
	}
}

// dropReauth fails the re-authentication in flight without touching the
// connection, which is already gone or going.
func (c *Client) dropReauth(err error) {
	ex := c.reauth
	c.reauth = nil

	c.recordOutcome(ex, err)
	ex.token.complete(err)
	c.reauthBusy.Store(false)
}

// abort ends the current connection with a DISCONNECT whose reason code
// matches err. Packets still arriving on that connection are ignored.
func (c *Client) abort(err error) {
	gen := c.currentGen()
	if c.abortedGen == gen {
		return
	}
	c.abortedGen = gen

	reason := disconnectReasonFor(err)
	c.opts.Logger.Warn("aborting connection",
		"reason_code", uint8(reason),
		"reason", reason.String(),
		"error", err)

	c.connLock.Lock()
	c.lastDisconnectReason = err
	c.connLock.Unlock()

	c.send(&packets.DisconnectPacket{
		Version:    c.opts.ProtocolVersion,
		ReasonCode: uint8(reason),
	})
}

// send queues pkt for the write loop.
func (c *Client) send(pkt packets.Packet) {
	select {
	case c.outgoing <- pkt:
	case <-c.stop:
	}
}

// handleDisconnectPacket logs the server's DISCONNECT. A re-authentication
// in flight fails with the server's reason.
func (c *Client) handleDisconnectPacket(p *packets.DisconnectPacket) {
	err := disconnectError(p)

	attrs := []any{
		"reason_code", uint8(err.ReasonCode),
		"reason", err.ReasonCode.String(),
	}
	if err.ReasonString != "" {
		attrs = append(attrs, "reason_string", err.ReasonString)
	}
	c.opts.Logger.Warn("received DISCONNECT from server", attrs...)

	if err.ServerReference != "" {
		c.redirect(err.ServerReference)
	}

	if ex := c.reauth; ex != nil {
		c.dropReauth(ex.fail(fmt.Errorf("%w: %w", ErrConnectionRefused, err)))
	}
}

// disconnectError converts a server DISCONNECT into the error reported to
// the connection lost handler.
func disconnectError(p *packets.DisconnectPacket) *DisconnectError {
	err := &DisconnectError{
		ReasonCode: ReasonCode(p.ReasonCode),
	}

	props := p.Properties
	if props.Has(packets.PresReasonString) {
		err.ReasonString = props.ReasonString
	}
	if props.Has(packets.PresSessionExpiryInterval) {
		err.SessionExpiryInterval = props.SessionExpiryInterval
	}
	if props.Has(packets.PresServerReference) {
		err.ServerReference = props.ServerReference
	}
	if props != nil && len(props.UserProperties) > 0 {
		err.UserProperties = make(map[string]string, len(props.UserProperties))
		for _, up := range props.UserProperties {
			err.UserProperties[up.Key] = up.Value
		}
	}
	return err
}
