// Package signaling carries pairing and session events from the components
// that produce them to whoever is watching: the local UI over SSE, other
// processes over gRPC, and optionally an MQTT broker.
//
// # Events
//
//   - pairing_request: a token was redeemed; display the verification code
//   - pairing_complete: a pair was finalized
//   - pairing_failed: a pending pairing was abandoned
//   - pairing_revoked: a pair was deleted
//   - session_established: an authentication session was created
//
// The verification code only reaches the local SSE stream. gRPC and MQTT
// forward [Event.Redacted].
//
// Broadcaster never blocks a publisher. A subscriber whose buffer is full
// misses events.
package signaling
