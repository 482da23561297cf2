package packets

import (
	"errors"
	"fmt"
	"io"
)

// maxVarInt is the largest Variable Byte Integer: four bytes of seven bits.
const maxVarInt = 1<<28 - 1

var errVarIntTooLong = errors.New("variable byte integer exceeds limit")

// appendVarInt appends value as a Variable Byte Integer: seven bits per
// byte, least significant group first, high bit set on all but the last.
func appendVarInt(dst []byte, value int) []byte {
	if value < 0 || value > maxVarInt {
		panic(fmt.Sprintf("value %d out of range for variable byte integer", value))
	}
	for value >= 0x80 {
		dst = append(dst, byte(value)|0x80)
		value >>= 7
	}
	return append(dst, byte(value))
}

// readVarInt decodes a Variable Byte Integer, pulling bytes from next.
func readVarInt(next func() (byte, error)) (value, n int, err error) {
	for shift := 0; shift < 28; shift += 7 {
		b, err := next()
		if err != nil {
			return 0, n, err
		}
		n++
		value |= int(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, n, nil
		}
	}
	return 0, n, errVarIntTooLong
}

// decodeVarInt reads a Variable Byte Integer from r one byte at a time.
func decodeVarInt(r io.Reader) (int, error) {
	next := func() (byte, error) {
		var b [1]byte
		_, err := io.ReadFull(r, b[:])
		return b[0], err
	}
	if br, ok := r.(io.ByteReader); ok {
		next = br.ReadByte
	}
	v, _, err := readVarInt(next)
	return v, err
}

// decodeVarIntBuf decodes a Variable Byte Integer at the start of buf and
// reports how many bytes it took.
func decodeVarIntBuf(buf []byte) (int, int, error) {
	i := 0
	v, n, err := readVarInt(func() (byte, error) {
		if i == len(buf) {
			return 0, errors.New("buffer too short for variable byte integer")
		}
		i++
		return buf[i-1], nil
	})
	return v, n, err
}
