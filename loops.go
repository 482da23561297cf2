package mqauth

import (
	"bufio"
	"net"
	"time"

	"github.com/gonzalop/mqauth/internal/packets"
)

// keepalive decides when the write loop pings and when it gives up on a
// silent server.
type keepalive struct {
	interval     time.Duration
	lastSent     time.Time
	lastReceived time.Time
	pingPending  bool
}

func newKeepalive(interval time.Duration, now time.Time) *keepalive {
	return &keepalive{interval: interval, lastSent: now, lastReceived: now}
}

// expired reports whether nothing arrived for 1.5 intervals.
func (k *keepalive) expired(now time.Time) bool {
	return now.Sub(k.lastReceived) >= k.interval+k.interval/2
}

// pingDue reports whether a PINGREQ should go out: no ping is pending and
// either direction was idle for 3/4 of the interval.
func (k *keepalive) pingDue(now time.Time) bool {
	if k.pingPending {
		return false
	}
	threshold := k.interval * 3 / 4
	return now.Sub(k.lastSent) >= threshold || now.Sub(k.lastReceived) >= threshold
}

// readLoop feeds packets from conn, connection number gen, to the logic
// loop until the connection fails.
func (c *Client) readLoop(conn net.Conn, gen uint64, done <-chan struct{}) {
	defer c.wg.Done()
	defer c.handleDisconnect(gen)

	r := bufio.NewReader(c.meter(conn))
	for {
		pkt, err := packets.ReadPacket(r, c.opts.ProtocolVersion, c.opts.MaxIncomingPacket)
		if err != nil {
			c.opts.Logger.Debug("read error, disconnecting", "error", err)
			return
		}
		c.stats.packetsReceived.Add(1)
		c.opts.Logger.Debug("received packet", "type", packets.Name(pkt.Type()))

		select {
		case c.packetReceived <- struct{}{}:
		default:
		}

		// Keep the server's reason for handleDisconnect.
		if d, ok := pkt.(*packets.DisconnectPacket); ok {
			c.connLock.Lock()
			c.lastDisconnectReason = disconnectError(d)
			c.connLock.Unlock()
		}

		select {
		case c.incoming <- pkt:
		case <-done:
			return
		case <-c.stop:
			return
		}
	}
}

// writeLoop writes queued packets to conn and keeps the connection alive.
// Writing a DISCONNECT packet ends the connection.
func (c *Client) writeLoop(conn net.Conn, gen uint64, done <-chan struct{}) {
	defer c.wg.Done()

	w := bufio.NewWriter(c.meter(conn))
	write := func(pkt packets.Packet) bool {
		if _, err := pkt.WriteTo(w); err != nil {
			c.opts.Logger.Debug("write error, disconnecting", "error", err)
			return false
		}
		if err := w.Flush(); err != nil {
			c.opts.Logger.Debug("flush error, disconnecting", "error", err)
			return false
		}
		c.stats.packetsSent.Add(1)
		return true
	}

	ka := newKeepalive(c.keepAliveInterval(), time.Now())
	var tick <-chan time.Time
	if ka.interval > 0 {
		t := time.NewTicker(ka.interval / 4)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case pkt := <-c.outgoing:
			c.opts.Logger.Debug("sending packet", "type", packets.Name(pkt.Type()))
			if !write(pkt) || pkt.Type() == packets.DISCONNECT {
				c.handleDisconnect(gen)
				return
			}
			ka.lastSent = time.Now()

		case <-c.packetReceived:
			ka.lastReceived = time.Now()

		case <-c.pingPendingCh:
			ka.pingPending = false

		case now := <-tick:
			if ka.expired(now) {
				c.opts.Logger.Warn("keepalive timeout",
					"interval", ka.interval,
					"last_received", now.Sub(ka.lastReceived))
				c.handleDisconnect(gen)
				return
			}
			if ka.pingDue(now) {
				c.opts.Logger.Debug("sending PINGREQ")
				if !write(&packets.PingreqPacket{}) {
					c.handleDisconnect(gen)
					return
				}
				ka.lastSent = now
				ka.pingPending = true
			}

		case <-done:
			return

		case <-c.stop:
			return
		}
	}
}
