package mqauth

import "fmt"

// ReasonCode is an MQTT v5.0 reason code as carried by CONNACK, AUTH and
// DISCONNECT.
//
// ReasonCode implements error so it can be used as an errors.Is target:
//
//	if errors.Is(err, mqauth.ReasonCodeBadAuthMethod) {
//	    log.Println("broker does not support this mechanism")
//	}
//
// Reason codes 0x00-0x7F indicate success, while 0x80-0xFF indicate failure.
type ReasonCode uint8

const (
	ReasonCodeSuccess              ReasonCode = 0x00
	ReasonCodeNormalDisconnect     ReasonCode = 0x00
	ReasonCodeContinueAuth         ReasonCode = 0x18
	ReasonCodeReauthenticate       ReasonCode = 0x19
	ReasonCodeUnspecifiedError     ReasonCode = 0x80
	ReasonCodeMalformedPacket      ReasonCode = 0x81
	ReasonCodeProtocolError        ReasonCode = 0x82
	ReasonCodeImplementationError  ReasonCode = 0x83
	ReasonCodeUnsupportedProtocol  ReasonCode = 0x84
	ReasonCodeBadUsernamePassword  ReasonCode = 0x86
	ReasonCodeNotAuthorized        ReasonCode = 0x87
	ReasonCodeServerUnavailable    ReasonCode = 0x88
	ReasonCodeServerBusy           ReasonCode = 0x89
	ReasonCodeBanned               ReasonCode = 0x8A
	ReasonCodeServerShuttingDown   ReasonCode = 0x8B
	ReasonCodeBadAuthMethod        ReasonCode = 0x8C
	ReasonCodeKeepAliveTimeout     ReasonCode = 0x8D
	ReasonCodeSessionTakenOver     ReasonCode = 0x8E
	ReasonCodePacketTooLarge       ReasonCode = 0x95
	ReasonCodeAdministrativeAction ReasonCode = 0x98
	ReasonCodeUseAnotherServer     ReasonCode = 0x9C
	ReasonCodeServerMoved          ReasonCode = 0x9D
	ReasonCodeConnectionRateExceed ReasonCode = 0x9F
)

var reasonCodeNames = map[ReasonCode]string{
	ReasonCodeSuccess:              "success",
	ReasonCodeContinueAuth:         "continue authentication",
	ReasonCodeReauthenticate:       "re-authenticate",
	ReasonCodeUnspecifiedError:     "unspecified error",
	ReasonCodeMalformedPacket:      "malformed packet",
	ReasonCodeProtocolError:        "protocol error",
	ReasonCodeImplementationError:  "implementation specific error",
	ReasonCodeUnsupportedProtocol:  "unsupported protocol version",
	ReasonCodeBadUsernamePassword:  "bad user name or password",
	ReasonCodeNotAuthorized:        "not authorized",
	ReasonCodeServerUnavailable:    "server unavailable",
	ReasonCodeServerBusy:           "server busy",
	ReasonCodeBanned:               "banned",
	ReasonCodeServerShuttingDown:   "server shutting down",
	ReasonCodeBadAuthMethod:        "bad authentication method",
	ReasonCodeKeepAliveTimeout:     "keep alive timeout",
	ReasonCodeSessionTakenOver:     "session taken over",
	ReasonCodePacketTooLarge:       "packet too large",
	ReasonCodeAdministrativeAction: "administrative action",
	ReasonCodeUseAnotherServer:     "use another server",
	ReasonCodeServerMoved:          "server moved",
	ReasonCodeConnectionRateExceed: "connection rate exceeded",
}

// String returns the name the protocol gives the reason code.
func (rc ReasonCode) String() string {
	if name, ok := reasonCodeNames[rc]; ok {
		return name
	}
	return fmt.Sprintf("reason code 0x%02X", uint8(rc))
}

func (rc ReasonCode) Error() string {
	return rc.String()
}

// IsFailure reports whether the reason code signals a failure (0x80 or above).
func (rc ReasonCode) IsFailure() bool {
	return rc >= 0x80
}
