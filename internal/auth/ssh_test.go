// ABOUTME: Tests for signed challenge verification
// ABOUTME: Covers freshness bounds, signature checks and nonce replay

package auth

import (
	"testing"
	"time"
)

const testAudience = "device-verifier"

func TestChallengeVerifier_Valid(t *testing.T) {
	p := newTestProvider(t, "02:00:00:00:00:0a")
	v := NewChallengeVerifier()
	now := time.Now()

	c, err := p.SignChallenge(testAudience, now)
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	if err := v.Verify(p.Identity().PublicKey, testAudience, c, now); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestChallengeVerifier_Freshness(t *testing.T) {
	p := newTestProvider(t, "02:00:00:00:00:0b")
	now := time.Now()

	tests := []struct {
		name     string
		signedAt time.Time
		wantErr  bool
	}{
		{"just signed", now, false},
		{"four minutes old", now.Add(-4 * time.Minute), false},
		{"six minutes old", now.Add(-6 * time.Minute), true},
		{"small skew ahead", now.Add(30 * time.Second), false},
		{"too far ahead", now.Add(2 * time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := p.SignChallenge(testAudience, tt.signedAt)
			if err != nil {
				t.Fatalf("SignChallenge() error = %v", err)
			}
			err = NewChallengeVerifier().Verify(p.Identity().PublicKey, testAudience, c, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChallengeVerifier_WrongAudience(t *testing.T) {
	p := newTestProvider(t, "02:00:00:00:00:12")
	v := NewChallengeVerifier()
	now := time.Now()

	// A challenge signed for another device must not be accepted here, even
	// though the signature itself is genuine.
	c, err := p.SignChallenge("device-elsewhere", now)
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	if err := v.Verify(p.Identity().PublicKey, testAudience, c, now); err == nil {
		t.Error("Verify() should reject a challenge addressed to another device")
	}

	// Relabelling the audience breaks the signature.
	c.Audience = testAudience
	if err := v.Verify(p.Identity().PublicKey, testAudience, c, now); err == nil {
		t.Error("Verify() should reject a relabelled audience")
	}
}

func TestChallengeVerifier_WrongKey(t *testing.T) {
	signer := newTestProvider(t, "02:00:00:00:00:0c")
	other := newTestProvider(t, "02:00:00:00:00:0d")
	now := time.Now()

	c, err := signer.SignChallenge(testAudience, now)
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	if err := NewChallengeVerifier().Verify(other.Identity().PublicKey, testAudience, c, now); err == nil {
		t.Error("Verify() should reject a signature from another key")
	}
}

func TestChallengeVerifier_ReplayRejected(t *testing.T) {
	p := newTestProvider(t, "02:00:00:00:00:0e")
	v := NewChallengeVerifier()
	now := time.Now()

	c, err := p.SignChallenge(testAudience, now)
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	if err := v.Verify(p.Identity().PublicKey, testAudience, c, now); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	if err := v.Verify(p.Identity().PublicKey, testAudience, c, now); err == nil {
		t.Error("second Verify() with the same nonce should fail")
	}
}

func TestChallengeVerifier_ForgeryDoesNotBurnNonce(t *testing.T) {
	p := newTestProvider(t, "02:00:00:00:00:0f")
	v := NewChallengeVerifier()
	now := time.Now()

	c, err := p.SignChallenge(testAudience, now)
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}

	forged := *c
	forged.Signature = "AAAA"
	if err := v.Verify(p.Identity().PublicKey, testAudience, &forged, now); err == nil {
		t.Fatal("Verify() accepted a forged signature")
	}

	if err := v.Verify(p.Identity().PublicKey, testAudience, c, now); err != nil {
		t.Errorf("genuine challenge rejected after forgery: %v", err)
	}
}

func TestChallengeVerifier_MissingNonce(t *testing.T) {
	p := newTestProvider(t, "02:00:00:00:00:10")
	now := time.Now()

	c, err := p.SignChallenge(testAudience, now)
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	c.Nonce = ""
	if err := NewChallengeVerifier().Verify(p.Identity().PublicKey, testAudience, c, now); err == nil {
		t.Error("Verify() should reject an empty nonce")
	}
}

func TestChallengeVerifier_ManyNonces(t *testing.T) {
	p := newTestProvider(t, "02:00:00:00:00:11")
	v := NewChallengeVerifier()
	now := time.Now()

	for i := range 50 {
		c, err := p.SignChallenge(testAudience, now)
		if err != nil {
			t.Fatalf("SignChallenge() error = %v", err)
		}
		if err := v.Verify(p.Identity().PublicKey, testAudience, c, now); err != nil {
			t.Fatalf("challenge %d rejected: %v", i, err)
		}
	}
}
