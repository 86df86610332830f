// Package auth grants sessions to paired devices.
//
// # Challenges
//
// A device proves who it is by signing "device_id|audience|timestamp|nonce"
// with its device key (see identity.Provider.SignChallenge), where audience is
// the device it authenticates to. The Manager accepts a challenge only when:
//
//   - the device is paired with this one
//   - the audience is this device, so a challenge cannot be relayed elsewhere
//   - the signature verifies against the public key recorded at pairing
//   - the timestamp is at most 5 minutes old and at most 1 minute ahead
//   - the nonce has not been seen before within that window
//
// # Sessions
//
// A successful challenge creates an AuthSession row bound to the pair's
// account and returns an HS256 JWT carrying the session id. Possession of the
// token authorizes calls until it expires (24h by default). Validate also
// checks that the session row still exists, so unpairing, which deletes the
// pair's sessions, revokes outstanding tokens. Sessions are never renewed;
// the device authenticates again instead.
//
// # Transports
//
// LocalOnly, HTTPAuthMiddleware and LocalOrSession guard HTTP routes.
// UnaryInterceptor and StreamInterceptor apply the same rules to gRPC:
// loopback callers are admitted as local, everyone else needs a bearer
// session.
package auth
