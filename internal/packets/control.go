package packets

import (
	"errors"
	"io"
)

// ConnackPacket is the server's verdict on a connection. In v5.0 an
// accepting CONNACK may carry the final authentication data.
type ConnackPacket struct {
	SessionPresent bool
	// ReturnCode is a v3.1.1 return code or a v5.0 reason code.
	ReturnCode uint8
	Properties *Properties // v5.0
}

func (p *ConnackPacket) Type() uint8 { return CONNACK }

func (p *ConnackPacket) WriteTo(w io.Writer) (int64, error) {
	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	body := []byte{flags, p.ReturnCode}
	if p.Properties != nil {
		var err error
		if body, err = appendProperties(body, p.Properties); err != nil {
			return 0, err
		}
	}
	return writePacket(w, CONNACK, body)
}

// DecodeConnack decodes the body of a CONNACK packet.
func DecodeConnack(buf []byte, version uint8) (*ConnackPacket, error) {
	if len(buf) < 2 {
		return nil, errors.New("buffer too short for CONNACK packet")
	}
	pkt := &ConnackPacket{SessionPresent: buf[0]&0x01 != 0, ReturnCode: buf[1]}
	d := &cursor{buf: buf[2:]}
	if version >= 5 && len(d.buf) > 0 {
		pkt.Properties = d.properties()
	}
	if d.err != nil {
		return nil, d.err
	}
	return pkt, nil
}

// DisconnectPacket ends a connection from either side. Version selects the
// encoding; v3.1.1 has neither reason code nor properties.
type DisconnectPacket struct {
	Version    uint8
	ReasonCode uint8       // v5.0
	Properties *Properties // v5.0
}

func (p *DisconnectPacket) Type() uint8 { return DISCONNECT }

// WriteTo omits the body of a v5.0 DISCONNECT with reason 0x00 and no
// properties, as the protocol allows.
func (p *DisconnectPacket) WriteTo(w io.Writer) (int64, error) {
	if p.Version < 5 || (p.ReasonCode == 0 && p.Properties == nil) {
		return writePacket(w, DISCONNECT, nil)
	}
	body, err := appendProperties([]byte{p.ReasonCode}, p.Properties)
	if err != nil {
		return 0, err
	}
	return writePacket(w, DISCONNECT, body)
}

// DecodeDisconnect decodes the body of a DISCONNECT packet.
func DecodeDisconnect(buf []byte, version uint8) (*DisconnectPacket, error) {
	pkt := &DisconnectPacket{Version: version}
	if version < 5 || len(buf) == 0 {
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

// PingreqPacket is the client's keepalive ping.
type PingreqPacket struct{}

func (*PingreqPacket) Type() uint8 { return PINGREQ }

func (*PingreqPacket) WriteTo(w io.Writer) (int64, error) { return writePacket(w, PINGREQ, nil) }

// PingrespPacket answers PINGREQ.
type PingrespPacket struct{}

func (*PingrespPacket) Type() uint8 { return PINGRESP }

func (*PingrespPacket) WriteTo(w io.Writer) (int64, error) { return writePacket(w, PINGRESP, nil) }
