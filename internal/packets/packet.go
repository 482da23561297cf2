// Package packets implements the subset of the MQTT wire format that the
// connection and authentication handshake needs: CONNECT, CONNACK, AUTH,
// DISCONNECT, PINGREQ and PINGRESP, plus the v5.0 properties they carry.
package packets

import (
	"io"
	"strconv"
)

// Packet is an MQTT control packet.
type Packet interface {
	Type() uint8
	WriteTo(w io.Writer) (int64, error)
}

// Control packet types with a Packet implementation. Name knows the rest.
const (
	CONNECT    = 1
	CONNACK    = 2
	PINGREQ    = 12
	PINGRESP   = 13
	DISCONNECT = 14
	AUTH       = 15
)

var names = [16]string{
	"RESERVED", "CONNECT", "CONNACK", "PUBLISH", "PUBACK", "PUBREC", "PUBREL", "PUBCOMP",
	"SUBSCRIBE", "SUBACK", "UNSUBSCRIBE", "UNSUBACK", "PINGREQ", "PINGRESP", "DISCONNECT", "AUTH",
}

// Name returns the name of packet type t, such as "CONNACK".
func Name(t uint8) string {
	if int(t) < len(names) {
		return names[t]
	}
	return strconv.Itoa(int(t))
}

// CONNACK return codes of v3.1.1. A v5.0 CONNACK carries a reason code in
// the same byte.
const (
	ConnAccepted                     = 0
	ConnRefusedUnacceptableProtocol  = 1
	ConnRefusedIdentifierRejected    = 2
	ConnRefusedServerUnavailable     = 3
	ConnRefusedBadUsernameOrPassword = 4
	ConnRefusedNotAuthorized         = 5
)
