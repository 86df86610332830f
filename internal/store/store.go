// ABOUTME: Store interface and data types for tether persistence
// ABOUTME: Defines devices, pairing tokens, pairs, sessions and service bindings

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrTokenExpired is returned when a pairing token is past its expiry
var ErrTokenExpired = errors.New("pairing token expired")

// ErrTokenConsumed is returned when a pairing token has already been redeemed
var ErrTokenConsumed = errors.New("pairing token already consumed")

// ErrUnavailable wraps every failure of the underlying database.
// Callers treat it as fatal to the request, never to the process.
var ErrUnavailable = errors.New("store unavailable")

// Device is one physical device known to this node, including the local one.
type Device struct {
	ID                  string
	Type                string
	DisplayName         string
	HardwareFingerprint string
	PublicKey           string // authorized_keys format
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TokenStatus represents the state of a pairing token
type TokenStatus string

const (
	TokenStatusIssued   TokenStatus = "issued"
	TokenStatusConsumed TokenStatus = "consumed"
	TokenStatusExpired  TokenStatus = "expired"
)

// PairingToken is a single-use credential that lets one remote device start
// pairing with the issuing device.
type PairingToken struct {
	Token           string
	IssuingDeviceID string
	Status          TokenStatus
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ConsumedBy      *string // remote device id (set on redemption)
	ConsumedAt      *time.Time
	PairID          *string // set when the pairing it started completes
}

// Expired reports whether the token is past its expiry at the given time.
func (t *PairingToken) Expired(now time.Time) bool {
	return t.Status == TokenStatusExpired || !now.Before(t.ExpiresAt)
}

// DevicePair is the permanent trust relationship between two devices.
// DeviceIDLow < DeviceIDHigh so the record is independent of who initiated.
type DevicePair struct {
	ID           string
	DeviceIDLow  string
	DeviceIDHigh string
	AccountID    string
	PairedAt     time.Time
}

// Contains reports whether deviceID is one side of the pair.
func (p *DevicePair) Contains(deviceID string) bool {
	return p.DeviceIDLow == deviceID || p.DeviceIDHigh == deviceID
}

// Peer returns the other side of the pair relative to deviceID.
func (p *DevicePair) Peer(deviceID string) string {
	if p.DeviceIDLow == deviceID {
		return p.DeviceIDHigh
	}
	return p.DeviceIDLow
}

// AuthSession is a time-boxed session granted to a paired device.
type AuthSession struct {
	ID        string
	PairID    string
	DeviceID  string
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ServiceBinding is a per-service identity derived from an account id.
type ServiceBinding struct {
	AccountID        string
	ServiceName      string
	ServiceAccountID string
	ServiceData      map[string]string
	CreatedAt        time.Time
}

// Store defines the persistence operations of the pairing subsystem
type Store interface {
	DeviceStore
	TokenStore
	PairStore
	SessionStore
	AuditStore

	// Close releases any resources held by the store
	Close() error
}

// DeviceStore persists device identities
type DeviceStore interface {
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
}

// TokenStore persists pairing tokens
type TokenStore interface {
	CreatePairingToken(ctx context.Context, t *PairingToken) error
	GetPairingToken(ctx context.Context, token string) (*PairingToken, error)

	// ConsumePairingToken atomically flips an issued, unexpired token to
	// consumed. Exactly one concurrent caller can succeed.
	ConsumePairingToken(ctx context.Context, token, consumedBy string, now time.Time) error

	ExpirePairingToken(ctx context.Context, token string) error

	// DeleteExpiredPairingTokens removes unlinked tokens that expired unused,
	// were expired explicitly, or were consumed at or before consumedBefore.
	DeleteExpiredPairingTokens(ctx context.Context, now, consumedBefore time.Time) (int64, error)
}

// PairStore persists device pairs and their service bindings
type PairStore interface {
	// FinalizePair writes the peer device, the pair, its bindings and the
	// token link in one transaction. If a pair with the same id already
	// exists it is returned unchanged and created is false. A nil peer
	// leaves the devices table untouched.
	FinalizePair(ctx context.Context, pair *DevicePair, peer *Device, bindings []ServiceBinding, token string) (stored *DevicePair, created bool, err error)

	GetPair(ctx context.Context, pairID string) (*DevicePair, error)
	GetPairByDevices(ctx context.Context, a, b string) (*DevicePair, error)
	ListPairs(ctx context.Context, deviceID string) ([]*DevicePair, error)
	DeletePair(ctx context.Context, pairID string) error
	ListServiceBindings(ctx context.Context, accountID string) ([]ServiceBinding, error)
}

// SessionStore persists authentication sessions
type SessionStore interface {
	CreateAuthSession(ctx context.Context, s *AuthSession) error
	GetAuthSession(ctx context.Context, id string, now time.Time) (*AuthSession, error)
	DeleteExpiredAuthSessions(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore records pairing lifecycle actions
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// OrderDeviceIDs returns the two ids in canonical (lexicographic) order.
func OrderDeviceIDs(a, b string) (low, high string) {
	if a <= b {
		return a, b
	}
	return b, a
}
