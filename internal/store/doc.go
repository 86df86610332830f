// Package store provides persistent storage for tether using SQLite.
//
// # Architecture
//
// Store is composed of small interfaces, one per entity family:
//
//   - DeviceStore: local and remote device identities
//   - TokenStore: single-use pairing tokens
//   - PairStore: device pairs and their service bindings
//   - SessionStore: authentication sessions
//   - AuditStore: append-only pairing lifecycle log
//
// SQLiteStore implements all of them in a single struct.
//
// # Single use
//
// ConsumePairingToken is one conditional UPDATE:
//
//	UPDATE pairing_tokens SET status = 'consumed' ...
//	WHERE token = ? AND status = 'issued' AND expires_at > ?
//
// When no row is affected a follow-up read tells the caller whether the token
// was missing, consumed or expired.
//
// # Drivers
//
// Open accepts "sqlite" (modernc.org/sqlite, pure Go, the default) or
// "sqlite3" (github.com/mattn/go-sqlite3, cgo). Both run with WAL and foreign
// keys enabled.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrTokenExpired, ErrTokenConsumed: a token can no longer be redeemed
//   - ErrUnavailable: wraps every driver failure
//
// # Testing
//
// NewMockStore returns an in-memory implementation with the same semantics.
// SetUnavailable(true) makes it fail every call with ErrUnavailable.
package store
