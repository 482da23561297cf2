package packets

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// CONNECT flag bits.
const (
	flagCleanStart = 0x02
	flagWill       = 0x04
	flagPassword   = 0x40
	flagUsername   = 0x80
)

// ConnectPacket opens a connection. In v5.0 its properties carry the
// authentication method and the client's first authentication message.
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel uint8 // 4 for v3.1.1, 5 for v5.0
	CleanSession  bool
	UsernameFlag  bool
	PasswordFlag  bool
	KeepAlive     uint16 // seconds
	Properties    *Properties

	ClientID string
	Username string // sent only with UsernameFlag
	Password string // sent only with PasswordFlag
}

func (p *ConnectPacket) Type() uint8 { return CONNECT }

func (p *ConnectPacket) WriteTo(w io.Writer) (int64, error) {
	var flags byte
	if p.CleanSession {
		flags |= flagCleanStart
	}
	if p.PasswordFlag {
		flags |= flagPassword
	}
	if p.UsernameFlag {
		flags |= flagUsername
	}

	body, err := appendString(nil, p.ProtocolName)
	if err != nil {
		return 0, err
	}
	body = append(body, p.ProtocolLevel, flags)
	body = binary.BigEndian.AppendUint16(body, p.KeepAlive)
	if p.ProtocolLevel >= 5 {
		if body, err = appendProperties(body, p.Properties); err != nil {
			return 0, err
		}
	}

	payload := []string{p.ClientID}
	if p.UsernameFlag {
		payload = append(payload, p.Username)
	}
	if p.PasswordFlag {
		payload = append(payload, p.Password)
	}
	for _, s := range payload {
		if body, err = appendString(body, s); err != nil {
			return 0, err
		}
	}
	return writePacket(w, CONNECT, body)
}

// DecodeConnect decodes the body of a CONNECT packet. Will messages are
// rejected.
func DecodeConnect(buf []byte) (*ConnectPacket, error) {
	if len(buf) < 10 {
		return nil, errors.New("buffer too short for CONNECT packet")
	}

	pkt := &ConnectPacket{}
	d := &cursor{buf: buf}
	pkt.ProtocolName = d.string("protocol name")
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) < 4 {
		return nil, errors.New("buffer too short for CONNECT variable header")
	}
	pkt.ProtocolLevel = d.buf[0]
	flags := d.buf[1]
	pkt.KeepAlive = binary.BigEndian.Uint16(d.buf[2:])
	d.buf = d.buf[4:]

	if flags&flagWill != 0 {
		return nil, errors.New("will messages are not supported")
	}
	pkt.CleanSession = flags&flagCleanStart != 0
	pkt.PasswordFlag = flags&flagPassword != 0
	pkt.UsernameFlag = flags&flagUsername != 0

	if pkt.ProtocolLevel >= 5 {
		pkt.Properties = d.properties()
	}
	pkt.ClientID = d.string("client ID")
	if pkt.UsernameFlag {
		pkt.Username = d.string("username")
	}
	if pkt.PasswordFlag {
		pkt.Password = d.string("password")
	}
	if d.err != nil {
		return nil, d.err
	}
	return pkt, nil
}

// cursor walks a packet body field by field. The first failure sticks and
// turns later reads into no-ops.
type cursor struct {
	buf []byte
	err error
}

func (d *cursor) string(what string) string {
	if d.err != nil {
		return ""
	}
	s, n, err := decodeString(d.buf)
	if err != nil {
		d.err = fmt.Errorf("failed to decode %s: %w", what, err)
		return ""
	}
	d.buf = d.buf[n:]
	return s
}

func (d *cursor) properties() *Properties {
	if d.err != nil {
		return nil
	}
	props, n, err := decodeProperties(d.buf)
	if err != nil {
		d.err = fmt.Errorf("failed to decode properties: %w", err)
		return nil
	}
	d.buf = d.buf[n:]
	return props
}
