// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and missing claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/tether/internal/store"
)

func testAuthSession(ttl time.Duration) *store.AuthSession {
	now := time.Now().UTC().Truncate(time.Second)
	return &store.AuthSession{
		ID:        "session-123",
		PairID:    "pair-123",
		DeviceID:  "device-123",
		AccountID: "acct-123",
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	sess := testAuthSession(time.Hour)

	token, err := verifier.Generate(sess)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if claims.SessionID != sess.ID {
		t.Errorf("SessionID = %q, want %q", claims.SessionID, sess.ID)
	}
	if claims.DeviceID != sess.DeviceID {
		t.Errorf("DeviceID = %q, want %q", claims.DeviceID, sess.DeviceID)
	}
	if claims.PairID != sess.PairID {
		t.Errorf("PairID = %q, want %q", claims.PairID, sess.PairID)
	}
	if claims.AccountID != sess.AccountID {
		t.Errorf("AccountID = %q, want %q", claims.AccountID, sess.AccountID)
	}
	if !claims.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, sess.ExpiresAt)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				otherVerifier := NewJWTVerifier([]byte("different-secret"))
				token, _ := otherVerifier.Generate(testAuthSession(time.Hour))
				return token
			}(),
		},
		{
			name: "none algorithm",
			token: func() string {
				token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
					"sub": "device-123", "sid": "s", "pair": "p", "acct": "a",
					"exp": time.Now().Add(time.Hour).Unix(),
				})
				s, _ := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
				return s
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate(testAuthSession(-time.Hour))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{"no session", jwt.MapClaims{"sub": "d", "pair": "p", "acct": "a", "exp": exp}},
		{"no subject", jwt.MapClaims{"sid": "s", "pair": "p", "acct": "a", "exp": exp}},
		{"no pair", jwt.MapClaims{"sub": "d", "sid": "s", "acct": "a", "exp": exp}},
		{"no account", jwt.MapClaims{"sub": "d", "sid": "s", "pair": "p", "exp": exp}},
		{"no expiry", jwt.MapClaims{"sub": "d", "sid": "s", "pair": "p", "acct": "a"}},
		{"empty subject", jwt.MapClaims{"sub": "", "sid": "s", "pair": "p", "acct": "a", "exp": exp}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString(testSecret)
			if err != nil {
				t.Fatalf("SignedString() error = %v", err)
			}
			_, err = verifier.Verify(token)
			if !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
			}
		})
	}
}
