package packets

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Property IDs used by CONNECT, CONNACK, AUTH and DISCONNECT (MQTT v5.0).
const (
	PropSessionExpiryInterval           uint8 = 0x11
	PropAssignedClientIdentifier        uint8 = 0x12
	PropServerKeepAlive                 uint8 = 0x13
	PropAuthenticationMethod            uint8 = 0x15
	PropAuthenticationData              uint8 = 0x16
	PropRequestProblemInformation       uint8 = 0x17
	PropRequestResponseInformation      uint8 = 0x19
	PropResponseInformation             uint8 = 0x1A
	PropServerReference                 uint8 = 0x1C
	PropReasonString                    uint8 = 0x1F
	PropReceiveMaximum                  uint8 = 0x21
	PropTopicAliasMaximum               uint8 = 0x22
	PropMaximumQoS                      uint8 = 0x24
	PropRetainAvailable                 uint8 = 0x25
	PropUserProperty                    uint8 = 0x26
	PropMaximumPacketSize               uint8 = 0x27
	PropWildcardSubscriptionAvailable   uint8 = 0x28
	PropSubscriptionIdentifierAvailable uint8 = 0x29
	PropSharedSubscriptionAvailable     uint8 = 0x2A
)

// Presence bits of Properties, one per property except User Property.
const (
	PresSessionExpiryInterval           uint32 = 1 << 0
	PresAssignedClientIdentifier        uint32 = 1 << 1
	PresServerKeepAlive                 uint32 = 1 << 2
	PresAuthenticationMethod            uint32 = 1 << 3
	PresAuthenticationData              uint32 = 1 << 4
	PresRequestProblemInformation       uint32 = 1 << 5
	PresRequestResponseInformation      uint32 = 1 << 6
	PresResponseInformation             uint32 = 1 << 7
	PresServerReference                 uint32 = 1 << 8
	PresReasonString                    uint32 = 1 << 9
	PresReceiveMaximum                  uint32 = 1 << 10
	PresTopicAliasMaximum               uint32 = 1 << 11
	PresMaximumQoS                      uint32 = 1 << 12
	PresRetainAvailable                 uint32 = 1 << 13
	PresMaximumPacketSize               uint32 = 1 << 14
	PresWildcardSubscriptionAvailable   uint32 = 1 << 15
	PresSubscriptionIdentifierAvailable uint32 = 1 << 16
	PresSharedSubscriptionAvailable     uint32 = 1 << 17
)

// UserProperty is one User Property, a name/value pair that may repeat.
type UserProperty struct {
	Key   string
	Value string
}

// Properties holds the MQTT 5.0 properties of the handshake packets.
// A field is meaningful only when its Pres* bit is set in Presence.
type Properties struct {
	Presence                        uint32
	SessionExpiryInterval           uint32
	AssignedClientIdentifier        string
	ServerKeepAlive                 uint16
	AuthenticationMethod            string
	AuthenticationData              []byte
	RequestProblemInformation       uint8
	RequestResponseInformation      uint8
	ResponseInformation             string
	ServerReference                 string
	ReasonString                    string
	ReceiveMaximum                  uint16
	TopicAliasMaximum               uint16
	MaximumQoS                      uint8
	RetainAvailable                 bool
	UserProperties                  []UserProperty
	MaximumPacketSize               uint32
	WildcardSubscriptionAvailable   bool
	SubscriptionIdentifierAvailable bool
	SharedSubscriptionAvailable     bool
}

// Has reports whether every presence bit in mask is set. It is safe on a nil receiver.
func (p *Properties) Has(mask uint32) bool {
	return p != nil && p.Presence&mask == mask
}

// SetAuth sets the authentication method and, when data is non-nil, the
// authentication data.
func (p *Properties) SetAuth(method string, data []byte) {
	p.AuthenticationMethod = method
	p.Presence |= PresAuthenticationMethod
	if data != nil {
		p.AuthenticationData = data
		p.Presence |= PresAuthenticationData
	}
}

// Auth returns the authentication method and data. The method is "" and the
// data nil when the respective property is absent.
func (p *Properties) Auth() (string, []byte) {
	var method string
	var data []byte
	if p.Has(PresAuthenticationMethod) {
		method = p.AuthenticationMethod
	}
	if p.Has(PresAuthenticationData) {
		data = p.AuthenticationData
		if data == nil {
			data = []byte{}
		}
	}
	return method, data
}

// propSpec describes one property: its ID, its presence bit and a pointer
// to the field holding its value. The field type selects the wire type.
type propSpec struct {
	id    uint8
	bit   uint32
	field func(p *Properties) any
}

// propSpecs is in encoding order.
var propSpecs = []propSpec{
	{PropSessionExpiryInterval, PresSessionExpiryInterval, func(p *Properties) any { return &p.SessionExpiryInterval }},
	{PropAssignedClientIdentifier, PresAssignedClientIdentifier, func(p *Properties) any { return &p.AssignedClientIdentifier }},
	{PropServerKeepAlive, PresServerKeepAlive, func(p *Properties) any { return &p.ServerKeepAlive }},
	{PropAuthenticationMethod, PresAuthenticationMethod, func(p *Properties) any { return &p.AuthenticationMethod }},
	{PropAuthenticationData, PresAuthenticationData, func(p *Properties) any { return &p.AuthenticationData }},
	{PropRequestProblemInformation, PresRequestProblemInformation, func(p *Properties) any { return &p.RequestProblemInformation }},
	{PropRequestResponseInformation, PresRequestResponseInformation, func(p *Properties) any { return &p.RequestResponseInformation }},
	{PropResponseInformation, PresResponseInformation, func(p *Properties) any { return &p.ResponseInformation }},
	{PropServerReference, PresServerReference, func(p *Properties) any { return &p.ServerReference }},
	{PropReasonString, PresReasonString, func(p *Properties) any { return &p.ReasonString }},
	{PropReceiveMaximum, PresReceiveMaximum, func(p *Properties) any { return &p.ReceiveMaximum }},
	{PropTopicAliasMaximum, PresTopicAliasMaximum, func(p *Properties) any { return &p.TopicAliasMaximum }},
	{PropMaximumQoS, PresMaximumQoS, func(p *Properties) any { return &p.MaximumQoS }},
	{PropRetainAvailable, PresRetainAvailable, func(p *Properties) any { return &p.RetainAvailable }},
	{PropMaximumPacketSize, PresMaximumPacketSize, func(p *Properties) any { return &p.MaximumPacketSize }},
	{PropWildcardSubscriptionAvailable, PresWildcardSubscriptionAvailable, func(p *Properties) any { return &p.WildcardSubscriptionAvailable }},
	{PropSubscriptionIdentifierAvailable, PresSubscriptionIdentifierAvailable, func(p *Properties) any { return &p.SubscriptionIdentifierAvailable }},
	{PropSharedSubscriptionAvailable, PresSharedSubscriptionAvailable, func(p *Properties) any { return &p.SharedSubscriptionAvailable }},
}

var propByID = func() map[uint8]*propSpec {
	m := make(map[uint8]*propSpec, len(propSpecs))
	for i := range propSpecs {
		m[propSpecs[i].id] = &propSpecs[i]
	}
	return m
}()

// appendProperties appends the property section of p, length first. A nil
// p is an empty section.
func appendProperties(dst []byte, p *Properties) ([]byte, error) {
	if p == nil {
		return append(dst, 0), nil
	}

	var body []byte
	var err error
	for i := range propSpecs {
		ps := &propSpecs[i]
		if p.Presence&ps.bit == 0 {
			continue
		}
		body = append(body, ps.id)
		switch v := ps.field(p).(type) {
		case *uint8:
			body = append(body, *v)
		case *bool:
			b := byte(0)
			if *v {
				b = 1
			}
			body = append(body, b)
		case *uint16:
			body = binary.BigEndian.AppendUint16(body, *v)
		case *uint32:
			body = binary.BigEndian.AppendUint32(body, *v)
		case *string:
			body, err = appendString(body, *v)
		case *[]byte:
			body, err = appendBinary(body, *v)
		}
		if err != nil {
			return dst, fmt.Errorf("property 0x%02x: %w", ps.id, err)
		}
	}
	for _, up := range p.UserProperties {
		body = append(body, PropUserProperty)
		if body, err = appendString(body, up.Key); err == nil {
			body, err = appendString(body, up.Value)
		}
		if err != nil {
			return dst, fmt.Errorf("user property %q: %w", up.Key, err)
		}
	}

	dst = appendVarInt(dst, len(body))
	return append(dst, body...), nil
}

// decodeProperties decodes the property section at the start of buf. It
// returns nil properties for an empty section, and the size of the section
// including its length.
func decodeProperties(buf []byte) (*Properties, int, error) {
	if len(buf) == 0 {
		return nil, 0, errors.New("buffer too short for properties length")
	}
	size, n, err := decodeVarIntBuf(buf)
	if err != nil {
		return nil, 0, err
	}
	end := n + size
	if len(buf) < end {
		return nil, 0, errors.New("buffer too short for properties data")
	}
	if size == 0 {
		return nil, end, nil
	}

	p := &Properties{}
	for rest := buf[n:end]; len(rest) > 0; {
		id := rest[0]
		used, err := p.decodeOne(id, rest[1:])
		if err != nil {
			return nil, 0, err
		}
		rest = rest[1+used:]
	}
	return p, end, nil
}

// decodeOne stores the value of property id found at the start of data and
// returns its size.
func (p *Properties) decodeOne(id uint8, data []byte) (int, error) {
	if id == PropUserProperty {
		k, nk, err := decodeString(data)
		if err != nil {
			return 0, err
		}
		v, nv, err := decodeString(data[nk:])
		if err != nil {
			return 0, err
		}
		p.UserProperties = append(p.UserProperties, UserProperty{Key: k, Value: v})
		return nk + nv, nil
	}

	ps, ok := propByID[id]
	if !ok {
		return 0, fmt.Errorf("unsupported property ID: 0x%02x", id)
	}

	short := func(size int) bool { return len(data) < size }
	var n int
	switch v := ps.field(p).(type) {
	case *uint8:
		if n = 1; short(n) {
			break
		}
		*v = data[0]
	case *bool:
		if n = 1; short(n) {
			break
		}
		*v = data[0] != 0
	case *uint16:
		if n = 2; short(n) {
			break
		}
		*v = binary.BigEndian.Uint16(data)
	case *uint32:
		if n = 4; short(n) {
			break
		}
		*v = binary.BigEndian.Uint32(data)
	case *string:
		s, used, err := decodeString(data)
		if err != nil {
			return 0, err
		}
		*v, n = s, used
	case *[]byte:
		b, used, err := decodeBinary(data)
		if err != nil {
			return 0, err
		}
		*v, n = b, used
	}
	if short(n) {
		return 0, fmt.Errorf("malformed property 0x%02x", id)
	}
	p.Presence |= ps.bit
	return n, nil
}
