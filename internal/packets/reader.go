package packets

import (
	"fmt"
	"io"
)

// decoders builds a Packet from a body. Types outside the handshake and
// keepalive are not decoded.
var decoders = map[uint8]func(body []byte, version uint8) (Packet, error){
	CONNECT:    func(b []byte, _ uint8) (Packet, error) { return DecodeConnect(b) },
	CONNACK:    func(b []byte, v uint8) (Packet, error) { return DecodeConnack(b, v) },
	DISCONNECT: func(b []byte, v uint8) (Packet, error) { return DecodeDisconnect(b, v) },
	AUTH:       func(b []byte, v uint8) (Packet, error) { return DecodeAuth(b, v) },
	PINGREQ:    func([]byte, uint8) (Packet, error) { return &PingreqPacket{}, nil },
	PINGRESP:   func([]byte, uint8) (Packet, error) { return &PingrespPacket{}, nil },
}

// ReadPacket reads one packet of the given protocol version from r.
// Packets larger than maxSize are refused; 0 means the protocol limit.
func ReadPacket(r io.Reader, version uint8, maxSize int) (Packet, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return nil, fmt.Errorf("failed to decode fixed header: %w", err)
	}
	size, err := decodeVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remaining length: %w", err)
	}

	if maxSize <= 0 || maxSize > maxVarInt {
		maxSize = maxVarInt
	}
	if size > maxSize {
		return nil, fmt.Errorf("packet size %d exceeds maximum %d", size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read packet body: %w", err)
	}

	typ := first[0] >> 4
	decode, ok := decoders[typ]
	if !ok {
		return nil, fmt.Errorf("unsupported packet type: %s", Name(typ))
	}
	return decode(body, version)
}

// writePacket writes the fixed header for a packet of type typ with no
// flags, then body.
func writePacket(w io.Writer, typ uint8, body []byte) (int64, error) {
	out := make([]byte, 0, 5+len(body))
	out = append(out, typ<<4)
	out = appendVarInt(out, len(body))
	out = append(out, body...)

	n, err := w.Write(out)
	return int64(n), err
}
