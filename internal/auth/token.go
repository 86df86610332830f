// ABOUTME: JWT bearer credentials for authentication sessions
// ABOUTME: HS256 tokens carrying the session, pair and account ids

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/tether/internal/store"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims are the session fields carried in a bearer token.
type Claims struct {
	DeviceID  string
	SessionID string
	PairID    string
	AccountID string
	ExpiresAt time.Time
}

// JWTVerifier signs and verifies HS256 session tokens
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts its session claims
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	out := &Claims{}
	for name, dst := range map[string]*string{
		"sub":  &out.DeviceID,
		"sid":  &out.SessionID,
		"pair": &out.PairID,
		"acct": &out.AccountID,
	} {
		s, ok := claims[name].(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingClaim, name)
		}
		*dst = s
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: exp", ErrMissingClaim)
	}
	out.ExpiresAt = exp.Time

	return out, nil
}

// Generate creates the bearer token for a session. The token expires with
// the session.
func (v *JWTVerifier) Generate(s *store.AuthSession) (string, error) {
	claims := jwt.MapClaims{
		"sub":  s.DeviceID,
		"sid":  s.ID,
		"pair": s.PairID,
		"acct": s.AccountID,
		"iat":  s.IssuedAt.Unix(),
		"exp":  s.ExpiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
