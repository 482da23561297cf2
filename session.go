package mqauth

import (
	"sync/atomic"
	"time"

	"github.com/gonzalop/mqauth/internal/packets"
)

// serverSession holds what the server announced about the current
// connection. It is guarded by Client.connLock.
type serverSession struct {
	assignedID string
	keepAlive  uint16 // 0 when the server kept the requested value
	expiry     uint32
	expirySet  bool
	reference  string
}

// applyConnack records the properties of an accepting CONNACK.
func (c *Client) applyConnack(connack *packets.ConnackPacket) {
	var props *packets.Properties
	if c.opts.ProtocolVersion >= ProtocolV50 {
		props = connack.Properties
	}

	c.connLock.Lock()
	s := &c.session
	s.keepAlive = 0
	s.expiry, s.expirySet = c.opts.SessionExpiryInterval, c.opts.SessionExpirySet
	if props.Has(packets.PresAssignedClientIdentifier) {
		s.assignedID = props.AssignedClientIdentifier
		// Reconnects resume the session under the assigned ID.
		c.opts.ClientID = s.assignedID
	}
	if props.Has(packets.PresServerKeepAlive) {
		s.keepAlive = props.ServerKeepAlive
	}
	if props.Has(packets.PresSessionExpiryInterval) {
		s.expiry, s.expirySet = props.SessionExpiryInterval, true
	}
	info := *s
	c.connLock.Unlock()

	if info.assignedID != "" {
		c.opts.Logger.Debug("server assigned client ID", "client_id", info.assignedID)
	}
	if info.keepAlive != 0 {
		c.opts.Logger.Debug("server overrode keepalive",
			"requested", c.opts.KeepAlive,
			"server_keepalive", info.keepAlive)
	}
	if props.Has(packets.PresServerReference) {
		c.redirect(props.ServerReference)
	}
}

// redirect stores a Server Reference and hands it to OnServerRedirect.
func (c *Client) redirect(ref string) {
	c.connLock.Lock()
	c.session.reference = ref
	c.connLock.Unlock()

	c.opts.Logger.Debug("server provided redirect reference", "server_reference", ref)
	if c.opts.OnServerRedirect != nil {
		go c.opts.OnServerRedirect(ref)
	}
}

// keepAliveInterval is the interval the write loop keeps the connection
// alive with: the server's override if it sent one.
func (c *Client) keepAliveInterval() time.Duration {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	if c.session.keepAlive != 0 {
		return time.Duration(c.session.keepAlive) * time.Second
	}
	return c.opts.KeepAlive
}

// AssignedClientID returns the client ID a v5.0 server assigned because
// none was configured, or "".
func (c *Client) AssignedClientID() string {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	return c.session.assignedID
}

// ServerKeepAlive returns the keepalive (in seconds) the server imposed in
// CONNACK, or 0 if it accepted the requested value.
func (c *Client) ServerKeepAlive() uint16 {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	return c.session.keepAlive
}

// ServerReference returns the last Server Reference received in CONNACK or
// DISCONNECT. The client never follows it on its own.
func (c *Client) ServerReference() string {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	return c.session.reference
}

// SessionExpiryInterval returns the session expiry (in seconds) in effect:
// the server's value if it sent one, otherwise the requested one. A
// v3.1.1 persistent session never expires, reported as 0xFFFFFFFF.
func (c *Client) SessionExpiryInterval() uint32 {
	if c.opts.ProtocolVersion < ProtocolV50 {
		if c.opts.CleanSession {
			return 0
		}
		return 0xFFFFFFFF
	}
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	if !c.session.expirySet {
		return 0
	}
	return c.session.expiry
}

type clientCounters struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	reconnects      atomic.Uint64
	authRounds      atomic.Uint64
	reauths         atomic.Uint64
}

// ClientStats is a snapshot of the client's counters.
type ClientStats struct {
	Connected bool

	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	ReconnectCount  uint64

	// AuthRounds counts the server challenges answered, over all exchanges.
	AuthRounds uint64
	// Reauthentications counts successful re-authentications.
	Reauthentications uint64
}

// GetStats returns a snapshot of the client's counters.
func (c *Client) GetStats() ClientStats {
	s := &c.stats
	return ClientStats{
		Connected:         c.IsConnected(),
		PacketsSent:       s.packetsSent.Load(),
		PacketsReceived:   s.packetsReceived.Load(),
		BytesSent:         s.bytesSent.Load(),
		BytesReceived:     s.bytesReceived.Load(),
		ReconnectCount:    s.reconnects.Load(),
		AuthRounds:        s.authRounds.Load(),
		Reauthentications: s.reauths.Load(),
	}
}
