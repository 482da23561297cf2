package packets

import (
	"errors"
	"io"
)

// ErrAuthVersion is returned when an AUTH packet is encoded or decoded for a
// protocol version before 5.0.
var ErrAuthVersion = errors.New("AUTH packet is only valid for MQTT v5.0")

// AuthPacket represents an MQTT v5.0 AUTH control packet.
//
// The AUTH packet carries the rounds of an enhanced authentication exchange
// between client and server: challenge/response mechanisms such as SCRAM,
// Kerberos or OAuth run entirely through its AuthenticationMethod and
// AuthenticationData properties.
type AuthPacket struct {
	ReasonCode uint8       // Authentication reason code
	Properties *Properties // Authentication properties (method, data, etc.)
	Version    uint8       // Protocol version (must be 5)
}

// AUTH reason codes
const (
	AuthReasonSuccess        uint8 = 0x00 // Authentication successful
	AuthReasonContinue       uint8 = 0x18 // Continue authentication
	AuthReasonReauthenticate uint8 = 0x19 // Re-authenticate
)

// NewAuth builds an AUTH packet for method. data is attached only when non-nil.
func NewAuth(reasonCode uint8, method string, data []byte) *AuthPacket {
	props := &Properties{}
	props.SetAuth(method, data)
	return &AuthPacket{
		ReasonCode: reasonCode,
		Properties: props,
		Version:    5,
	}
}

func (p *AuthPacket) Type() uint8 { return AUTH }

// WriteTo encodes Success without properties as an empty body.
func (p *AuthPacket) WriteTo(w io.Writer) (int64, error) {
	switch {
	case p.Version < 5:
		return 0, ErrAuthVersion
	case p.ReasonCode == AuthReasonSuccess && p.Properties == nil:
		return writePacket(w, AUTH, nil)
	}
	body, err := appendProperties([]byte{p.ReasonCode}, p.Properties)
	if err != nil {
		return 0, err
	}
	return writePacket(w, AUTH, body)
}

// DecodeAuth decodes the body of an AUTH packet. An empty body means
// Success without properties.
func DecodeAuth(buf []byte, version uint8) (*AuthPacket, error) {
	if version < 5 {
		return nil, ErrAuthVersion
	}
	pkt := &AuthPacket{Version: version, ReasonCode: AuthReasonSuccess}
	if len(buf) == 0 {
		return pkt, nil
	}

	pkt.ReasonCode = buf[0]
	d := &cursor{buf: buf[1:]}
	if len(d.buf) > 0 {
		pkt.Properties = d.properties()
	}
	if d.err != nil {
		return nil, d.err
	}
	return pkt, nil
}
