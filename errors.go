package mqauth

import (
	"errors"
	"fmt"
)

// Error kinds of an authentication exchange. Mechanisms wrap these with
// fmt.Errorf("%w: ...") so callers can match them with errors.Is.
var (
	// ErrInvalidMethod is returned when the authentication method echoed by
	// the server is missing or differs from the mechanism's method.
	ErrInvalidMethod = errors.New("invalid authentication method")

	// ErrMechanism is returned for malformed or inconsistent challenge data,
	// encoding failures and failed cryptographic verification.
	ErrMechanism = errors.New("authentication mechanism error")

	// ErrProtocolViolation is returned when an authentication packet arrives
	// outside the connection phase that permits it.
	ErrProtocolViolation = errors.New("authentication protocol violation")
)

// Standard errors returned by the client
var (
	// ErrConnectionRefused is returned when the server rejects the connection.
	// You can unwrap this error to find the specific reason if available.
	ErrConnectionRefused = errors.New("connection refused")

	// Specific connection refusal reasons (v3.1.1)
	ErrUnacceptableProtocolVersion = errors.New("unacceptable protocol version")
	ErrIdentifierRejected          = errors.New("identifier rejected")
	ErrServerUnavailable           = errors.New("server unavailable")
	ErrBadUsernameOrPassword       = errors.New("bad username or password")
	ErrNotAuthorized               = errors.New("not authorized")

	// ErrAuthenticatorConsumed is returned when an authenticator that already
	// started, finished or failed is asked to start again.
	ErrAuthenticatorConsumed = errors.New("authenticator already consumed")

	// ErrNoAuthenticator is returned by Reauthenticate when the client has no
	// authenticator factory to build a fresh exchange from.
	ErrNoAuthenticator = errors.New("no authenticator factory configured")

	// ErrReauthInProgress is returned by Reauthenticate while another
	// re-authentication has not finished.
	ErrReauthInProgress = errors.New("re-authentication already in progress")

	// ErrClientDisconnected is returned when an operation is cancelled because
	// the client was disconnected or stopped.
	ErrClientDisconnected = errors.New("client disconnected")
)

// AuthError describes a failed authentication exchange. It is what Dial and
// Reauthenticate tokens return when the mechanism or the server ends the
// exchange.
type AuthError struct {
	// Method is the authentication method of the exchange.
	Method string
	// Round is the number of server challenges processed before the failure.
	Round int
	// Reauth is true when the exchange was a re-authentication of an
	// established connection.
	Reauth bool
	Err    error
}

func (e *AuthError) Error() string {
	phase := "authentication"
	if e.Reauth {
		phase = "re-authentication"
	}
	return fmt.Sprintf("%s %s failed at round %d: %v", e.Method, phase, e.Round, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// MqttError represents an error returned by the MQTT server, including
// the MQTT v5.0 reason code.
type MqttError struct {
	ReasonCode ReasonCode
	Message    string
	Parent     error
}

func (e *MqttError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mqtt error (0x%02X): %s", uint8(e.ReasonCode), e.Message)
	}
	if e.Parent != nil {
		return fmt.Sprintf("mqtt error (0x%02X): %s", uint8(e.ReasonCode), e.Parent.Error())
	}
	return fmt.Sprintf("mqtt error (0x%02X)", uint8(e.ReasonCode))
}

func (e *MqttError) Unwrap() error {
	return e.Parent
}

// Is implements the errors.Is interface, allowing checks against ReasonCode constants.
func (e *MqttError) Is(target error) bool {
	if rc, ok := target.(ReasonCode); ok {
		return e.ReasonCode == rc
	}
	return false
}

// IsReasonCode reports whether err carries the given MQTT reason code.
func IsReasonCode(err error, code ReasonCode) bool {
	var mqttErr *MqttError
	if errors.As(err, &mqttErr) {
		return mqttErr.ReasonCode == code
	}
	return false
}

// disconnectReasonFor maps an exchange error to the DISCONNECT reason code
// the client sends when it aborts the connection.
func disconnectReasonFor(err error) ReasonCode {
	switch {
	case errors.Is(err, ErrInvalidMethod):
		return ReasonCodeBadAuthMethod
	case errors.Is(err, ErrProtocolViolation):
		return ReasonCodeProtocolError
	default:
		return ReasonCodeUnspecifiedError
	}
}

// DisconnectError is reported to the connection lost handler when the
// server closes the connection with a DISCONNECT packet (MQTT v5.0).
type DisconnectError struct {
	ReasonCode            ReasonCode
	ReasonString          string
	SessionExpiryInterval uint32
	ServerReference       string
	UserProperties        map[string]string
}

func (e *DisconnectError) Error() string {
	msg := fmt.Sprintf("server disconnected: %s (0x%02X)", e.ReasonCode, uint8(e.ReasonCode))
	if e.ReasonString != "" {
		msg += ": " + e.ReasonString
	}
	return msg
}

// Is allows errors.Is(err, ReasonCodeBadAuthMethod) and similar checks.
func (e *DisconnectError) Is(target error) bool {
	if rc, ok := target.(ReasonCode); ok {
		return e.ReasonCode == rc
	}
	return false
}
