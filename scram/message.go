package scram

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// attribute is one "k=value" pair of a SCRAM message.
type attribute struct {
	key   byte
	value string
}

// parseAttributes splits a SCRAM message into its attributes, keeping their
// order. Every attribute must be a single ASCII letter followed by '='.
func parseAttributes(msg string) ([]attribute, error) {
	if msg == "" {
		return nil, errors.New("empty message")
	}
	if !utf8.ValidString(msg) {
		return nil, errors.New("message is not valid UTF-8")
	}

	parts := strings.Split(msg, ",")
	attrs := make([]attribute, 0, len(parts))
	for _, part := range parts {
		if len(part) < 2 || part[1] != '=' || !isAlpha(part[0]) {
			return nil, fmt.Errorf("malformed attribute %q", part)
		}
		attrs = append(attrs, attribute{key: part[0], value: part[2:]})
	}
	return attrs, nil
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// expect returns the value of attrs[i] if it has the given key.
func expect(attrs []attribute, i int, key byte) (string, error) {
	if i >= len(attrs) {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	if attrs[i].key != key {
		return "", fmt.Errorf("expected attribute %q, got %q", key, attrs[i].key)
	}
	return attrs[i].value, nil
}

// escapeName encodes a saslname: '=' becomes "=3D" and ',' becomes "=2C".
func escapeName(s string) string {
	if !strings.ContainsAny(s, "=,") {
		return s
	}
	s = strings.ReplaceAll(s, "=", "=3D")
	return strings.ReplaceAll(s, ",", "=2C")
}

// unescapeName reverses escapeName, rejecting any other '=' sequence.
func unescapeName(s string) (string, error) {
	if !strings.Contains(s, "=") {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '=' {
			b.WriteByte(s[i])
			continue
		}
		switch {
		case strings.HasPrefix(s[i:], "=3D"):
			b.WriteByte('=')
		case strings.HasPrefix(s[i:], "=2C"):
			b.WriteByte(',')
		default:
			return "", fmt.Errorf("invalid escape in name %q", s)
		}
		i += 2
	}
	return b.String(), nil
}

// validNonce reports whether s is a printable nonce without commas.
func validNonce(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7E || s[i] == ',' {
			return false
		}
	}
	return true
}

// clientFirst is the client-first-message: gs2-header client-first-bare.
type clientFirst struct {
	authzID  string
	username string
	nonce    string
}

// gs2Header returns "n,," or "n,a=<authzid>,". Channel binding is not used.
func (m clientFirst) gs2Header() string {
	if m.authzID == "" {
		return "n,,"
	}
	return "n,a=" + escapeName(m.authzID) + ","
}

func (m clientFirst) bare() string {
	return "n=" + escapeName(m.username) + ",r=" + m.nonce
}

func (m clientFirst) String() string {
	return m.gs2Header() + m.bare()
}

func parseClientFirst(msg string) (clientFirst, error) {
	var m clientFirst

	cbind, rest, ok := strings.Cut(msg, ",")
	if !ok || cbind != "n" {
		return m, fmt.Errorf("unsupported channel binding flag %q", cbind)
	}
	authz, bare, ok := strings.Cut(rest, ",")
	if !ok {
		return m, errors.New("truncated gs2 header")
	}
	if authz != "" {
		name, found := strings.CutPrefix(authz, "a=")
		if !found {
			return m, fmt.Errorf("malformed authzid %q", authz)
		}
		id, err := unescapeName(name)
		if err != nil {
			return m, err
		}
		m.authzID = id
	}

	attrs, err := parseAttributes(bare)
	if err != nil {
		return m, err
	}
	name, err := expect(attrs, 0, 'n')
	if err != nil {
		return m, err
	}
	if m.username, err = unescapeName(name); err != nil {
		return m, err
	}
	if m.nonce, err = expect(attrs, 1, 'r'); err != nil {
		return m, err
	}
	if !validNonce(m.nonce) {
		return m, errors.New("invalid client nonce")
	}
	return m, nil
}

// serverFirst is the server-first-message: r=<nonce>,s=<salt>,i=<count>.
type serverFirst struct {
	nonce      string
	salt       []byte
	iterations int
}

func (m serverFirst) String() string {
	return "r=" + m.nonce + ",s=" + base64.StdEncoding.EncodeToString(m.salt) + ",i=" + strconv.Itoa(m.iterations)
}

func parseServerFirst(msg string) (serverFirst, error) {
	var m serverFirst

	attrs, err := parseAttributes(msg)
	if err != nil {
		return m, err
	}
	if attrs[0].key == 'm' {
		return m, errors.New("mandatory extension not supported")
	}

	if m.nonce, err = expect(attrs, 0, 'r'); err != nil {
		return m, err
	}
	if !validNonce(m.nonce) {
		return m, errors.New("invalid server nonce")
	}

	salt, err := expect(attrs, 1, 's')
	if err != nil {
		return m, err
	}
	if m.salt, err = base64.StdEncoding.DecodeString(salt); err != nil {
		return m, fmt.Errorf("invalid salt encoding: %w", err)
	}
	if len(m.salt) == 0 {
		return m, errors.New("empty salt")
	}

	count, err := expect(attrs, 2, 'i')
	if err != nil {
		return m, err
	}
	if m.iterations, err = strconv.Atoi(count); err != nil || m.iterations < 1 {
		return m, fmt.Errorf("invalid iteration count %q", count)
	}
	return m, nil
}

// clientFinal is the client-final-message: c=<binding>,r=<nonce>,p=<proof>.
type clientFinal struct {
	channelBinding string
	nonce          string
	proof          []byte
}

func (m clientFinal) withoutProof() string {
	return "c=" + base64.StdEncoding.EncodeToString([]byte(m.channelBinding)) + ",r=" + m.nonce
}

func (m clientFinal) String() string {
	return m.withoutProof() + ",p=" + base64.StdEncoding.EncodeToString(m.proof)
}

func parseClientFinal(msg string) (clientFinal, error) {
	var m clientFinal

	attrs, err := parseAttributes(msg)
	if err != nil {
		return m, err
	}

	cb, err := expect(attrs, 0, 'c')
	if err != nil {
		return m, err
	}
	binding, err := base64.StdEncoding.DecodeString(cb)
	if err != nil {
		return m, fmt.Errorf("invalid channel binding encoding: %w", err)
	}
	m.channelBinding = string(binding)

	if m.nonce, err = expect(attrs, 1, 'r'); err != nil {
		return m, err
	}

	proof, err := expect(attrs, len(attrs)-1, 'p')
	if err != nil {
		return m, err
	}
	if m.proof, err = base64.StdEncoding.DecodeString(proof); err != nil {
		return m, fmt.Errorf("invalid proof encoding: %w", err)
	}
	return m, nil
}

// serverFinal is the server-final-message: v=<signature> or e=<error>.
type serverFinal struct {
	signature []byte
	err       string
}

func parseServerFinal(msg string) (serverFinal, error) {
	var m serverFinal

	attrs, err := parseAttributes(msg)
	if err != nil {
		return m, err
	}

	switch attrs[0].key {
	case 'e':
		m.err = attrs[0].value
		if m.err == "" {
			m.err = "unspecified"
		}
	case 'v':
		if m.signature, err = base64.StdEncoding.DecodeString(attrs[0].value); err != nil {
			return m, fmt.Errorf("invalid verifier encoding: %w", err)
		}
	default:
		return m, fmt.Errorf("unexpected attribute %q in server-final message", attrs[0].key)
	}
	return m, nil
}
