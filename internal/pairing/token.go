// ABOUTME: Pairing token service issuing short-lived single-use tokens
// ABOUTME: Tokens are 32 random bytes, base64url, recorded with their expiry

package pairing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/store"
)

const (
	tokenBytes = 32

	// DefaultTokenTTL is how long an issued token can be redeemed.
	DefaultTokenTTL = 5 * time.Minute

	// RedeemPath is where a node accepts token redemptions.
	RedeemPath = "/api/pair/redeem"

	// StatusPath is where a redeemer polls for the outcome.
	StatusPath = "/api/pair/status"
)

// TokenStore is the persistence the token service needs.
type TokenStore interface {
	store.TokenStore
	store.AuditStore
}

// TokenService issues pairing tokens for the local device.
type TokenService struct {
	store   TokenStore
	local   identity.Identity
	baseURL string
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewTokenService creates a token service. baseURL is the address peers use
// to reach this node; the redeem endpoint is derived from it.
func NewTokenService(s TokenStore, local identity.Identity, baseURL string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{
		store:   s,
		local:   local,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
		logger:  slog.Default().With("component", "pairing"),
	}
}

// IssueToken records a new token and returns the payload to hand to the
// second device. Older outstanding tokens stay valid until they expire.
func (s *TokenService) IssueToken(ctx context.Context) (*Payload, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &store.PairingToken{
		Token:           token,
		IssuingDeviceID: s.local.DeviceID,
		Status:          store.TokenStatusIssued,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if err := s.store.CreatePairingToken(ctx, t); err != nil {
		return nil, fmt.Errorf("recording token: %w", err)
	}

	if err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      s.local.DeviceID,
		Action:     store.AuditTokenIssued,
		TargetType: "token",
		TargetID:   tokenRef(token),
		Detail:     map[string]any{"expires_at": t.ExpiresAt.Format(time.RFC3339)},
	}); err != nil {
		s.logger.Warn("failed to audit token issuance", "error", err)
	}

	s.logger.Info("pairing token issued", "expires_at", t.ExpiresAt)

	return &Payload{
		Version:        PayloadVersion,
		DeviceID:       s.local.DeviceID,
		DeviceType:     s.local.DeviceType,
		DeviceName:     s.local.DisplayName,
		PublicKey:      s.local.PublicKey,
		PairingToken:   token,
		RedeemEndpoint: s.baseURL + RedeemPath,
		ExpiresAt:      t.ExpiresAt,
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// tokenRef is a short, non-secret reference to a token for logs and audit
// entries.
func tokenRef(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
