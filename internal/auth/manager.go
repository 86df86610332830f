// ABOUTME: Authentication session manager granting sessions to paired devices
// ABOUTME: A valid signed challenge from a paired device yields a time-boxed bearer session

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/signaling"
	"github.com/2389/tether/internal/store"
)

// DefaultSessionTTL is the lifetime of an authentication session.
const DefaultSessionTTL = 24 * time.Hour

var (
	// ErrNotPaired is returned when the device has no pair with this one.
	ErrNotPaired = errors.New("device is not paired")

	// ErrBadSignature is returned when a challenge fails verification.
	ErrBadSignature = errors.New("bad signature")

	// ErrSessionNotFound is returned when a bearer token names a session
	// that expired or was revoked by unpairing.
	ErrSessionNotFound = errors.New("session not found")
)

// Store is the persistence the manager needs.
type Store interface {
	store.DeviceStore
	store.PairStore
	store.SessionStore
	store.AuditStore
}

// Session is an authenticated session together with its bearer credential.
type Session struct {
	ID        string    `json:"session_id"`
	Token     string    `json:"token,omitempty"`
	PairID    string    `json:"pair_id"`
	DeviceID  string    `json:"device_id"`
	AccountID string    `json:"account_id"`
	GrantedBy string    `json:"granted_by,omitempty"` // device that issued the session
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager authenticates paired devices and validates their sessions.
type Manager struct {
	store    Store
	localID  string
	verifier *ChallengeVerifier
	tokens   *JWTVerifier
	events   signaling.Publisher
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a session manager for the local device.
func NewManager(s Store, localID string, secret []byte, ttl time.Duration, events signaling.Publisher) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Manager{
		store:    s,
		localID:  localID,
		verifier: NewChallengeVerifier(),
		tokens:   NewJWTVerifier(secret),
		events:   events,
		ttl:      ttl,
		now:      time.Now,
		logger:   slog.Default().With("component", "auth"),
	}
}

// Authenticate verifies a challenge from a paired device and mints a new
// session bound to the pair's account.
func (m *Manager) Authenticate(ctx context.Context, c *identity.Challenge) (*Session, error) {
	if c == nil || c.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrBadSignature)
	}

	pair, err := m.store.GetPairByDevices(ctx, m.localID, c.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("auth failure", "reason", "not paired", "device_id", c.DeviceID)
		return nil, ErrNotPaired
	}
	if err != nil {
		return nil, err
	}

	device, err := m.store.GetDevice(ctx, c.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotPaired
	}
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if err := m.verifier.Verify(device.PublicKey, m.localID, c, now); err != nil {
		m.logger.Warn("auth failure", "reason", err.Error(), "device_id", c.DeviceID)
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	sess := &store.AuthSession{
		ID:        uuid.New().String(),
		PairID:    pair.ID,
		DeviceID:  c.DeviceID,
		AccountID: pair.AccountID,
		IssuedAt:  now.Truncate(time.Second),
		ExpiresAt: now.Add(m.ttl).Truncate(time.Second),
	}
	if err := m.store.CreateAuthSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	token, err := m.tokens.Generate(sess)
	if err != nil {
		return nil, fmt.Errorf("signing session token: %w", err)
	}

	if err := m.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      c.DeviceID,
		Action:     store.AuditSessionCreated,
		TargetType: "session",
		TargetID:   sess.ID,
		Detail:     map[string]any{"pair_id": pair.ID},
	}); err != nil {
		m.logger.Warn("failed to write audit entry", "error", err)
	}
	m.events.Publish(signaling.SessionEstablished(sess.ID, pair.ID, pair.AccountID, c.DeviceID, "inbound"))

	m.logger.Info("session established",
		"device_id", c.DeviceID,
		"pair_id", pair.ID,
		"expires_at", sess.ExpiresAt,
	)

	out := m.sessionOf(sess)
	out.Token = token
	return out, nil
}

// Validate checks a bearer token and that its session still exists.
func (m *Manager) Validate(ctx context.Context, bearer string) (*Session, error) {
	claims, err := m.tokens.Verify(bearer)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.GetAuthSession(ctx, claims.SessionID, m.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.DeviceID != claims.DeviceID || sess.PairID != claims.PairID {
		return nil, ErrInvalidToken
	}
	return m.sessionOf(sess), nil
}

// Sweep deletes expired sessions.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredAuthSessions(ctx, m.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug("expired sessions deleted", "count", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) sessionOf(s *store.AuthSession) *Session {
	return &Session{
		ID:        s.ID,
		PairID:    s.PairID,
		DeviceID:  s.DeviceID,
		AccountID: s.AccountID,
		GrantedBy: m.localID,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
	}
}
