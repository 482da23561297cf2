package packets

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxFieldLen is the longest string or binary field MQTT can carry.
const MaxFieldLen = 1<<16 - 1

// ErrFieldTooLong is returned when a field does not fit its two-byte length.
var ErrFieldTooLong = errors.New("field too long")

// appendBinary appends data with its two-byte big-endian length.
func appendBinary(dst []byte, data []byte) ([]byte, error) {
	if len(data) > MaxFieldLen {
		return dst, fmt.Errorf("%w: %d bytes of binary data", ErrFieldTooLong, len(data))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(data)))
	return append(dst, data...), nil
}

func appendString(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxFieldLen {
		return dst, fmt.Errorf("%w: %d bytes of string", ErrFieldTooLong, len(s))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...), nil
}

// field returns the length-prefixed field at the start of buf and its
// total size.
func field(buf []byte, what string) ([]byte, int, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("buffer too short for %s length", what)
	}
	end := 2 + int(binary.BigEndian.Uint16(buf))
	if len(buf) < end {
		return nil, 0, fmt.Errorf("buffer too short for %s data: need %d, have %d", what, end, len(buf))
	}
	return buf[2:end], end, nil
}

// decodeString decodes a UTF-8 Encoded String. MQTT forbids U+0000.
func decodeString(buf []byte) (string, int, error) {
	raw, n, err := field(buf, "string")
	if err != nil {
		return "", 0, err
	}
	s := string(raw)
	if strings.IndexByte(s, 0) >= 0 {
		return "", 0, errors.New("string contains null byte which is not allowed")
	}
	if !utf8.ValidString(s) {
		return "", 0, errors.New("invalid UTF-8 string")
	}
	return s, n, nil
}

// decodeBinary decodes Binary Data into a slice of its own.
func decodeBinary(buf []byte) ([]byte, int, error) {
	raw, n, err := field(buf, "binary")
	if err != nil {
		return nil, 0, err
	}
	return append([]byte{}, raw...), n, nil
}
