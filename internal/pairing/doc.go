// Package pairing implements the device pairing handshake.
//
// # Flow
//
// The issuing device creates a token with [TokenService.IssueToken] and hands
// the resulting [Payload] to the second device out of band (QR code, copy and
// paste). The second device redeems it with [Joiner.Join], which calls
// [Coordinator.Redeem] on the issuer over HTTP. Both devices then display the
// same six digit verification code. A human compares them and confirms on
// the issuing device with [Coordinator.Confirm], which persists the remote
// device, the pair and its service bindings through the account engine.
// Until then the remote device's key lives only in memory. The redeemer learns the
// outcome by polling [Coordinator.Status] and persists its own copy of the
// same, deterministically derived pair.
//
// # States
//
//	issued -> initiated -> verified -> complete
//	issued/initiated -> expired
//
// A wrong code issues a new one. After three wrong codes the token expires
// and pairing must restart with a fresh token.
//
// # Concurrency
//
// The coordinator serializes redemption, confirmation and the background
// sweep with one mutex. Token consumption is also a conditional UPDATE in the
// store, so a token is consumed at most once even across processes sharing a
// database.
package pairing
