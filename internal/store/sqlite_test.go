// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers store creation, driver selection, devices and pairing tokens

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "test.db"))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := Open(DriverModernc, dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	if err := first.UpsertDevice(ctx, testDevice("dev-a")); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	first.Close()

	// Schema creation and migrations must be idempotent.
	second, err := Open(DriverModernc, dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	if _, err := second.GetDevice(ctx, "dev-a"); err != nil {
		t.Fatalf("device lost across reopen: %v", err)
	}
}

func TestUpsertDevice(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	d := testDevice("dev-a")
	if err := store.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}

	got, err := store.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.DisplayName != "Device dev-a" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}
	if got.HardwareFingerprint != "fp-dev-a" {
		t.Errorf("HardwareFingerprint = %q", got.HardwareFingerprint)
	}

	// A remote upsert carries no fingerprint and a new key.
	update := &Device{
		ID:          "dev-a",
		Type:        "mobile",
		DisplayName: "Renamed",
		PublicKey:   "ssh-ed25519 BBBB",
	}
	if err := store.UpsertDevice(ctx, update); err != nil {
		t.Fatalf("second UpsertDevice failed: %v", err)
	}

	got, err = store.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.DisplayName != "Renamed" || got.PublicKey != "ssh-ed25519 BBBB" {
		t.Errorf("device not updated: %+v", got)
	}
	if got.HardwareFingerprint != "fp-dev-a" {
		t.Errorf("fingerprint should be preserved, got %q", got.HardwareFingerprint)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetDevice(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListDevices(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"dev-c", "dev-a", "dev-b"} {
		if err := store.UpsertDevice(ctx, testDevice(id)); err != nil {
			t.Fatalf("UpsertDevice failed: %v", err)
		}
	}

	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	if devices[0].ID != "dev-a" || devices[2].ID != "dev-c" {
		t.Errorf("unexpected order: %s, %s, %s", devices[0].ID, devices[1].ID, devices[2].ID)
	}
}

func TestConsumePairingToken(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	tok := testToken("tok-1", now, 5*time.Minute)
	if err := store.CreatePairingToken(ctx, tok); err != nil {
		t.Fatalf("CreatePairingToken failed: %v", err)
	}

	if err := store.ConsumePairingToken(ctx, "tok-1", "dev-b", now); err != nil {
		t.Fatalf("ConsumePairingToken failed: %v", err)
	}

	got, err := store.GetPairingToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetPairingToken failed: %v", err)
	}
	if got.Status != TokenStatusConsumed {
		t.Errorf("Status = %q, want consumed", got.Status)
	}
	if got.ConsumedBy == nil || *got.ConsumedBy != "dev-b" {
		t.Errorf("ConsumedBy = %v", got.ConsumedBy)
	}
	if got.ConsumedAt == nil {
		t.Error("ConsumedAt should be set")
	}

	err = store.ConsumePairingToken(ctx, "tok-1", "dev-c", now)
	if !errors.Is(err, ErrTokenConsumed) {
		t.Errorf("second consume: expected ErrTokenConsumed, got %v", err)
	}
}

func TestConsumePairingToken_Expired(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	tok := testToken("tok-old", now.Add(-10*time.Minute), 5*time.Minute)
	if err := store.CreatePairingToken(ctx, tok); err != nil {
		t.Fatalf("CreatePairingToken failed: %v", err)
	}

	err := store.ConsumePairingToken(ctx, "tok-old", "dev-b", now)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestConsumePairingToken_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.ConsumePairingToken(context.Background(), "nope", "dev-b", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumePairingToken_Concurrent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreatePairingToken(ctx, testToken("tok-race", now, 5*time.Minute)); err != nil {
		t.Fatalf("CreatePairingToken failed: %v", err)
	}

	const redeemers = 16
	var wins, consumed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.ConsumePairingToken(ctx, "tok-race", "dev-racer", now)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrTokenConsumed):
				consumed.Add(1)
			default:
				// SQLITE_BUSY under contention surfaces as ErrUnavailable;
				// it is a loss, never a second win.
				if !errors.Is(err, ErrUnavailable) {
					t.Errorf("redeemer %d: unexpected error %v", i, err)
				}
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly 1 successful redemption, got %d", wins.Load())
	}
}

func TestExpirePairingToken(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreatePairingToken(ctx, testToken("tok-x", now, 5*time.Minute)); err != nil {
		t.Fatalf("CreatePairingToken failed: %v", err)
	}
	if err := store.ExpirePairingToken(ctx, "tok-x"); err != nil {
		t.Fatalf("ExpirePairingToken failed: %v", err)
	}

	err := store.ConsumePairingToken(ctx, "tok-x", "dev-b", now)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired after forced expiry, got %v", err)
	}

	if err := store.ExpirePairingToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteExpiredPairingTokens(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	live := testToken("tok-live", now, 5*time.Minute)
	dead := testToken("tok-dead", now.Add(-10*time.Minute), 5*time.Minute)
	linked := testToken("tok-linked", now.Add(-10*time.Minute), 5*time.Minute)
	verifying := testToken("tok-verifying", now.Add(-8*time.Minute), 5*time.Minute)
	stale := testToken("tok-stale", now.Add(-20*time.Minute), 5*time.Minute)
	for _, tok := range []*PairingToken{live, dead, linked, verifying, stale} {
		if err := store.CreatePairingToken(ctx, tok); err != nil {
			t.Fatalf("CreatePairingToken failed: %v", err)
		}
	}

	// Redeemed just before expiry; the code is still being checked.
	if err := store.ConsumePairingToken(ctx, "tok-verifying", "dev-c", now.Add(-4*time.Minute)); err != nil {
		t.Fatalf("ConsumePairingToken failed: %v", err)
	}
	if err := store.ConsumePairingToken(ctx, "tok-stale", "dev-d", now.Add(-18*time.Minute)); err != nil {
		t.Fatalf("ConsumePairingToken failed: %v", err)
	}

	pair := testPair("dev-a", "dev-b")
	if _, _, err := store.FinalizePair(ctx, pair, nil, nil, "tok-linked"); err != nil {
		t.Fatalf("FinalizePair failed: %v", err)
	}

	n, err := store.DeleteExpiredPairingTokens(ctx, now, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpiredPairingTokens failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d tokens, want 2", n)
	}

	for _, gone := range []string{"tok-dead", "tok-stale"} {
		if _, err := store.GetPairingToken(ctx, gone); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s should be gone, got %v", gone, err)
		}
	}
	for _, kept := range []string{"tok-live", "tok-verifying"} {
		if _, err := store.GetPairingToken(ctx, kept); err != nil {
			t.Errorf("%s should remain: %v", kept, err)
		}
	}
	got, err := store.GetPairingToken(ctx, "tok-linked")
	if err != nil {
		t.Fatalf("linked token should remain: %v", err)
	}
	if got.PairID == nil || *got.PairID != pair.ID {
		t.Errorf("PairID = %v, want %s", got.PairID, pair.ID)
	}
}

func TestFinalizePair_RegistersPeer(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	pair := testPair("dev-a", "dev-b")
	peer := &Device{ID: "dev-b", Type: "laptop", DisplayName: "Laptop", PublicKey: "ssh-ed25519 AAAA-b"}
	if _, _, err := store.FinalizePair(ctx, pair, peer, nil, ""); err != nil {
		t.Fatalf("FinalizePair failed: %v", err)
	}

	got, err := store.GetDevice(ctx, "dev-b")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.PublicKey != peer.PublicKey {
		t.Errorf("PublicKey = %q, want %q", got.PublicKey, peer.PublicKey)
	}

	outsider := &Device{ID: "dev-z", PublicKey: "ssh-ed25519 AAAA-z"}
	if _, _, err := store.FinalizePair(ctx, testPair("dev-a", "dev-c"), outsider, nil, ""); err == nil {
		t.Fatal("expected error for a peer outside the pair")
	}
	if _, err := store.GetDevice(ctx, "dev-z"); !errors.Is(err, ErrNotFound) {
		t.Errorf("outsider should not be registered, got %v", err)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	_, err := store.GetDevice(context.Background(), "dev-a")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from closed store, got %v", err)
	}
}

// newTestStore creates a new SQLiteStore with a temp database for testing
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}

func testDevice(id string) *Device {
	return &Device{
		ID:                  id,
		Type:                "desktop",
		DisplayName:         "Device " + id,
		HardwareFingerprint: "fp-" + id,
		PublicKey:           "ssh-ed25519 AAAA" + id,
	}
}

func testToken(token string, created time.Time, ttl time.Duration) *PairingToken {
	return &PairingToken{
		Token:           token,
		IssuingDeviceID: "dev-a",
		CreatedAt:       created,
		ExpiresAt:       created.Add(ttl),
	}
}

func testPair(a, b string) *DevicePair {
	low, high := OrderDeviceIDs(a, b)
	return &DevicePair{
		ID:           "pair-" + low + "-" + high,
		DeviceIDLow:  low,
		DeviceIDHigh: high,
		AccountID:    "acct_" + low + high,
		PairedAt:     time.Now().UTC().Truncate(time.Second),
	}
}
