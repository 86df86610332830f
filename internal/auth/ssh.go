// ABOUTME: Signed challenge verification for paired devices
// ABOUTME: Checks the SSH signature, timestamp freshness and nonce replay

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/tether/internal/dedupe"
	"github.com/2389/tether/internal/identity"
)

const (
	// ChallengeMaxAge is the maximum age of a challenge timestamp (5 minutes).
	ChallengeMaxAge = 5 * time.Minute

	// ChallengeMaxSkew is how far in the future a timestamp may be.
	ChallengeMaxSkew = time.Minute

	// NonceCacheSize is the maximum number of nonces to track.
	NonceCacheSize = 10000
)

// ChallengeVerifier verifies signed challenges with nonce replay protection.
type ChallengeVerifier struct {
	maxAge time.Duration
	nonces *dedupe.Window // Tracks used nonces to prevent replay attacks
}

// NewChallengeVerifier creates a verifier.
func NewChallengeVerifier() *ChallengeVerifier {
	return &ChallengeVerifier{
		maxAge: ChallengeMaxAge,
		nonces: dedupe.New(ChallengeMaxAge+ChallengeMaxSkew, NonceCacheSize),
	}
}

// Verify checks c against the device's authorized_keys formatted public key.
// The signature must be over "device_id|audience|timestamp|nonce" and the
// audience must be the verifying device.
func (v *ChallengeVerifier) Verify(publicKey, audience string, c *identity.Challenge, now time.Time) error {
	if c.Nonce == "" {
		return errors.New("missing nonce")
	}
	if c.Audience != audience {
		return fmt.Errorf("challenge addressed to %q", c.Audience)
	}

	// Check timestamp is recent
	signedAt := time.Unix(c.Timestamp, 0)
	age := now.Sub(signedAt)
	if age < 0 {
		// Timestamp is in the future - allow small clock skew
		if age < -ChallengeMaxSkew {
			return errors.New("timestamp is in the future")
		}
	} else if age > v.maxAge {
		return fmt.Errorf("signature expired (age: %v, max: %v)", age.Truncate(time.Second), v.maxAge)
	}

	if err := identity.VerifySignature(publicKey, c); err != nil {
		return err
	}

	// Mark the nonce only after the signature verifies, so garbage cannot
	// fill the window. The key includes the device id to prevent cross-device
	// collisions.
	nonceKey := fmt.Sprintf("%s:%d:%s", c.DeviceID, c.Timestamp, c.Nonce)
	if !v.nonces.Observe(nonceKey) {
		return errors.New("nonce already used (possible replay attack)")
	}
	return nil
}
