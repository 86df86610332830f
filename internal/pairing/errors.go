// ABOUTME: Sentinel errors for token issuance, redemption and verification
// ABOUTME: Store-level token errors are translated into pairing errors here

package pairing

import (
	"errors"
	"fmt"

	"github.com/2389/tether/internal/store"
)

var (
	// ErrTokenNotFound is returned for tokens this device never issued.
	ErrTokenNotFound = errors.New("pairing token not found")

	// ErrTokenExpired is returned for tokens past their expiry, and for
	// pairings abandoned before confirmation.
	ErrTokenExpired = errors.New("pairing token expired")

	// ErrTokenAlreadyConsumed is returned when a token was already redeemed.
	ErrTokenAlreadyConsumed = errors.New("pairing token already consumed")

	// ErrTokenNotRedeemed is returned when confirming a token nobody redeemed yet.
	ErrTokenNotRedeemed = errors.New("pairing token has not been redeemed")

	// ErrVerificationMismatch is returned when the entered code is wrong. A
	// new code has been issued.
	ErrVerificationMismatch = errors.New("verification code mismatch")

	// ErrTooManyAttempts is returned when the last permitted verification
	// attempt fails. The token is expired; errors.Is(err, ErrTokenExpired)
	// holds.
	ErrTooManyAttempts = fmt.Errorf("too many verification attempts: %w", ErrTokenExpired)

	// ErrInvalidRequest is returned for malformed redeem requests.
	ErrInvalidRequest = errors.New("invalid pairing request")

	// ErrIssuerMismatch is returned when the device answering a redeem is not
	// the device named in the payload.
	ErrIssuerMismatch = errors.New("redeem endpoint answered for a different device")
)

// tokenError translates store token errors into pairing errors. Other
// errors, including store.ErrUnavailable, pass through.
func tokenError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrTokenNotFound
	case errors.Is(err, store.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, store.ErrTokenConsumed):
		return ErrTokenAlreadyConsumed
	default:
		return err
	}
}
