// ABOUTME: Device identity provider computed once at process start
// ABOUTME: Holds the device id, descriptive fields and the signer for the device key

package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/tether/internal/store"
)

// Config selects the descriptive fields and key location of the local device.
type Config struct {
	Type    string
	Name    string
	KeyPath string
}

// Identity is the public description of a device.
type Identity struct {
	DeviceID            string `json:"device_id"`
	DeviceType          string `json:"device_type"`
	DisplayName         string `json:"display_name"`
	PublicKey           string `json:"public_key"`
	HardwareFingerprint string `json:"hardware_fingerprint,omitempty"`
}

// Provider owns the local device identity. The private key never leaves it;
// callers sign through SignChallenge.
type Provider struct {
	identity Identity
	signer   ssh.Signer
}

// Load collects hardware attributes and loads (or generates) the device key.
func Load(cfg Config) (*Provider, error) {
	logger := slog.Default().With("component", "identity")

	signer, created, err := LoadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("generated device key", "path", cfg.KeyPath)
	}

	p := New(CollectHardware(), signer, cfg.Type, cfg.Name)
	logger.Info("device identity loaded",
		"device_id", p.identity.DeviceID,
		"type", p.identity.DeviceType,
		"name", p.identity.DisplayName,
	)
	return p, nil
}

// New builds a provider from already collected parts.
func New(hw Hardware, signer ssh.Signer, deviceType, name string) *Provider {
	if deviceType == "" {
		deviceType = "desktop"
	}
	if name == "" {
		name = shortHost(hw.Host)
	}
	if name == "" {
		name = "tether-" + hw.DeviceID()[:8]
	}
	return &Provider{
		identity: Identity{
			DeviceID:            hw.DeviceID(),
			DeviceType:          deviceType,
			DisplayName:         name,
			PublicKey:           AuthorizedKey(signer.PublicKey()),
			HardwareFingerprint: hw.Fingerprint(),
		},
		signer: signer,
	}
}

// Identity returns the local device description.
func (p *Provider) Identity() Identity {
	return p.identity
}

// DeviceID returns the local device id.
func (p *Provider) DeviceID() string {
	return p.identity.DeviceID
}

// Register upserts the local device row.
func (p *Provider) Register(ctx context.Context, devices store.DeviceStore) error {
	return devices.UpsertDevice(ctx, &store.Device{
		ID:                  p.identity.DeviceID,
		Type:                p.identity.DeviceType,
		DisplayName:         p.identity.DisplayName,
		HardwareFingerprint: p.identity.HardwareFingerprint,
		PublicKey:           p.identity.PublicKey,
	})
}

// Challenge is a signed authentication request. Audience names the device
// the challenge is meant for; any other verifier rejects it.
type Challenge struct {
	DeviceID  string `json:"device_id"`
	Audience  string `json:"audience"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"` // base64 of the SSH wire signature
}

// Message returns the bytes the signature covers:
// "device_id|audience|timestamp|nonce".
func (c *Challenge) Message() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s", c.DeviceID, c.Audience, c.Timestamp, c.Nonce))
}

// SignChallenge produces a fresh challenge for the local device at now,
// addressed to the device audience.
func (p *Provider) SignChallenge(audience string, now time.Time) (*Challenge, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	c := &Challenge{
		DeviceID:  p.identity.DeviceID,
		Audience:  audience,
		Timestamp: now.Unix(),
		Nonce:     hex.EncodeToString(nonce),
	}

	sig, err := p.Sign(c.Message())
	if err != nil {
		return nil, fmt.Errorf("signing challenge: %w", err)
	}
	c.Signature = sig
	return c, nil
}

// Sign signs data with the device key and returns the base64 SSH wire
// signature.
func (p *Provider) Sign(data []byte) (string, error) {
	sig, err := p.signer.Sign(rand.Reader, data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ssh.Marshal(sig)), nil
}

// VerifySignature checks c.Signature against the authorized_keys formatted
// public key. It checks neither freshness nor audience.
func VerifySignature(publicKey string, c *Challenge) error {
	return Verify(publicKey, c.Message(), c.Signature)
}

// Verify checks a base64 SSH wire signature over data against the
// authorized_keys formatted public key.
func Verify(publicKey string, data []byte, signature string) error {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(raw, sig); err != nil {
		return fmt.Errorf("invalid signature format: %w", err)
	}

	if err := pub.Verify(data, sig); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func shortHost(host string) string {
	short, _, _ := strings.Cut(host, ".")
	return short
}
