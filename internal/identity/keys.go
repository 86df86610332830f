// ABOUTME: Long-lived Ed25519 device key stored as an OpenSSH private key
// ABOUTME: Generated on first boot with mode 0600, loaded on every later boot

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// LoadOrCreateKey returns the signer stored at path, generating a new
// Ed25519 key there when the file does not exist.
func LoadOrCreateKey(path string) (ssh.Signer, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("parsing device key %s: %w", path, err)
		}
		return signer, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("reading device key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generating device key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "tether device key")
	if err != nil {
		return nil, false, fmt.Errorf("encoding device key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, false, fmt.Errorf("writing device key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("creating signer: %w", err)
	}
	return signer, true, nil
}

// AuthorizedKey renders a public key in authorized_keys format without the
// trailing newline.
func AuthorizedKey(pub ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
}

// ParsePublicKey parses a public key in authorized_keys format.
func ParsePublicKey(s string) (ssh.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}
