// ABOUTME: Deterministic derivation of pair ids, account ids and service bindings
// ABOUTME: Pure over the two device ids and the application salt

package account

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/tether/internal/store"
)

// ErrSameDevice is returned when a device tries to pair with itself.
var ErrSameDevice = errors.New("cannot pair a device with itself")

// Identity is the derived identity of one device pair.
type Identity struct {
	PairID    string `json:"pair_id"`
	AccountID string `json:"account_id"`
	Low       string `json:"device_id_low"`
	High      string `json:"device_id_high"`
}

// Derive computes the pair and account ids for two devices. The result does
// not depend on argument order.
func Derive(a, b, salt string) (Identity, error) {
	if a == "" || b == "" {
		return Identity{}, errors.New("device ids must not be empty")
	}
	if a == b {
		return Identity{}, ErrSameDevice
	}

	low, high := store.OrderDeviceIDs(a, b)
	material := low + ":" + high

	pairSum := sha256.Sum256([]byte(material))

	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(material))
	accountSum := mac.Sum(nil)

	return Identity{
		PairID:    hex.EncodeToString(pairSum[:])[:32],
		AccountID: "acct_" + hex.EncodeToString(accountSum)[:24],
		Low:       low,
		High:      high,
	}, nil
}

// Engine persists derived identities.
type Engine struct {
	store  store.PairStore
	salt   string
	logger *slog.Logger
}

// NewEngine creates an engine writing to s with the given salt.
func NewEngine(s store.PairStore, salt string) *Engine {
	return &Engine{
		store:  s,
		salt:   salt,
		logger: slog.Default().With("component", "account"),
	}
}

// Derive computes the identity for two devices with the engine's salt.
func (e *Engine) Derive(a, b string) (Identity, error) {
	return Derive(a, b, e.salt)
}

// Provision derives the identity of (local, remote) and writes the remote
// device, the pair and its service bindings in one transaction, linking token
// to the pair. If the devices are already paired the stored pair is returned
// and created is false.
func (e *Engine) Provision(ctx context.Context, token, local string, remote *store.Device, now time.Time) (*store.DevicePair, bool, error) {
	if remote == nil {
		return nil, false, errors.New("provisioning without a remote device")
	}
	id, err := e.Derive(local, remote.ID)
	if err != nil {
		return nil, false, err
	}

	pair := &store.DevicePair{
		ID:           id.PairID,
		DeviceIDLow:  id.Low,
		DeviceIDHigh: id.High,
		AccountID:    id.AccountID,
		PairedAt:     now.UTC(),
	}

	stored, created, err := e.store.FinalizePair(ctx, pair, remote, Bindings(id.AccountID), token)
	if err != nil {
		return nil, false, fmt.Errorf("persisting pair: %w", err)
	}

	if created {
		e.logger.Info("account provisioned",
			"pair_id", stored.ID,
			"account_id", stored.AccountID,
		)
	} else {
		e.logger.Info("devices already paired, reusing account",
			"pair_id", stored.ID,
			"account_id", stored.AccountID,
		)
	}
	return stored, created, nil
}
