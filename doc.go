// Package mqauth is an MQTT v5.0 client that runs pluggable enhanced
// authentication: challenge/response mechanisms carried by the CONNECT,
// AUTH and CONNACK packets.
//
// The client never interprets authentication data. It moves opaque byte
// blobs between the network and an Authenticator, which implements one
// mechanism. The scram subpackage provides SCRAM-SHA-1, SCRAM-SHA-256 and
// SCRAM-SHA-512; SASL adapts any github.com/emersion/go-sasl client.
//
// # Features
//
//   - Multi-round authentication during connection setup
//   - Re-authentication of established connections (AUTH 0x19)
//   - Server-final verification through the optional Verifier interface
//   - A fresh authenticator for every reconnect via WithAuthenticatorFactory
//   - Typed errors for invalid methods, mechanism failures and protocol violations
//   - TLS/SSL encrypted connections and custom dialers
//   - Automatic reconnection with exponential backoff
//   - Structured logging with log/slog and Prometheus metrics
//
// # Quick Start
//
//	client, err := mqauth.Dial("tcp://localhost:1883",
//	    mqauth.WithClientID("my-client"),
//	    mqauth.WithAuthenticatorFactory(scram.Factory(scram.SHA256, "user1", "123456")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(context.Background())
//
// # The exchange
//
//  1. Before dialing, the client calls Start and sends the result with the
//     authenticator's method in CONNECT.
//  2. Every AUTH packet with reason code 0x18 (Continue authentication) is
//     passed to Continue. A non-nil result goes back in another AUTH packet;
//     nil means the client has nothing more to say.
//  3. The CONNACK that accepts the connection is passed to Verify when the
//     authenticator implements Verifier.
//
// Any error aborts the connection. The client sends DISCONNECT with reason
// code 0x8C (Bad authentication method) for ErrInvalidMethod, 0x82 (Protocol
// Error) for ErrProtocolViolation and 0x80 (Unspecified error) otherwise, and
// Dial returns an *AuthError:
//
//	client, err := mqauth.Dial(server, opts...)
//	var authErr *mqauth.AuthError
//	if errors.As(err, &authErr) {
//	    log.Printf("%s failed after %d rounds", authErr.Method, authErr.Round)
//	}
//	if errors.Is(err, mqauth.ErrMechanism) {
//	    log.Println("credentials or server signature rejected")
//	}
//
// A broker that rejects the client answers CONNACK with a failure reason
// code, returned as an *MqttError wrapping ErrConnectionRefused:
//
//	if errors.Is(err, mqauth.ReasonCodeNotAuthorized) {
//	    log.Println("not authorized")
//	}
//
// # Authenticator lifetime
//
// An Authenticator is single-use. WithAuthenticator wraps it in a *Handle,
// which serializes every call and refuses to start an exchange twice.
// Reconnects and Reauthenticate need a new authenticator, so they use the
// Factory given to WithAuthenticatorFactory:
//
//	token, err := client.Reauthenticate(ctx)
//	if err == nil {
//	    err = token.Wait(ctx)
//	}
//
// # Logging and metrics
//
// WithLogger takes a *slog.Logger. Authentication data is never logged,
// only its length. WithMetrics registers mqauth_auth_rounds_total,
// mqauth_auth_results_total and mqauth_auth_duration_seconds with a
// prometheus.Registerer.
package mqauth
