// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to simulate an unavailable database

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	tokens   map[string]*PairingToken
	pairs    map[string]*DevicePair
	sessions map[string]*AuthSession
	audit    []AuditEntry

	// account ID -> service name -> binding
	bindings map[string]map[string]ServiceBinding

	failErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		devices:  make(map[string]*Device),
		tokens:   make(map[string]*PairingToken),
		pairs:    make(map[string]*DevicePair),
		sessions: make(map[string]*AuthSession),
		bindings: make(map[string]map[string]ServiceBinding),
	}
}

// SetUnavailable makes every subsequent call fail with ErrUnavailable (true)
// or restores normal behaviour (false).
func (m *MockStore) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.failErr = fmt.Errorf("mock: %w", ErrUnavailable)
	} else {
		m.failErr = nil
	}
}

func (m *MockStore) UpsertDevice(ctx context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.upsertDeviceLocked(d)
	return nil
}

func (m *MockStore) upsertDeviceLocked(d *Device) {
	now := time.Now().UTC()
	if existing, ok := m.devices[d.ID]; ok {
		d.CreatedAt = existing.CreatedAt
		if d.HardwareFingerprint == "" {
			d.HardwareFingerprint = existing.HardwareFingerprint
		}
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	cp := *d
	m.devices[d.ID] = &cp
}

func (m *MockStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MockStore) ListDevices(ctx context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		devices = append(devices, &cp)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].DisplayName != devices[j].DisplayName {
			return devices[i].DisplayName < devices[j].DisplayName
		}
		return devices[i].ID < devices[j].ID
	})
	return devices, nil
}

func (m *MockStore) CreatePairingToken(ctx context.Context, t *PairingToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	if _, exists := m.tokens[t.Token]; exists {
		return fmt.Errorf("mock: duplicate token: %w", ErrUnavailable)
	}
	if t.Status == "" {
		t.Status = TokenStatusIssued
	}
	cp := *t
	m.tokens[t.Token] = &cp
	return nil
}

func (m *MockStore) GetPairingToken(ctx context.Context, token string) (*PairingToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockStore) ConsumePairingToken(ctx context.Context, token, consumedBy string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	t, ok := m.tokens[token]
	if !ok {
		return ErrNotFound
	}
	switch {
	case t.Status == TokenStatusConsumed:
		return ErrTokenConsumed
	case t.Expired(now):
		return ErrTokenExpired
	}

	by := consumedBy
	at := now.UTC()
	t.Status = TokenStatusConsumed
	t.ConsumedBy = &by
	t.ConsumedAt = &at
	return nil
}

func (m *MockStore) ExpirePairingToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	t, ok := m.tokens[token]
	if !ok {
		return ErrNotFound
	}
	t.Status = TokenStatusExpired
	return nil
}

func (m *MockStore) DeleteExpiredPairingTokens(ctx context.Context, now, consumedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}

	var n int64
	for k, t := range m.tokens {
		if t.PairID != nil {
			continue
		}
		var reap bool
		switch t.Status {
		case TokenStatusExpired:
			reap = true
		case TokenStatusIssued:
			reap = !now.Before(t.ExpiresAt)
		case TokenStatusConsumed:
			reap = t.ConsumedAt != nil && !t.ConsumedAt.After(consumedBefore)
		}
		if reap {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) FinalizePair(ctx context.Context, pair *DevicePair, peer *Device, bindings []ServiceBinding, token string) (*DevicePair, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, false, m.failErr
	}
	if pair.DeviceIDLow >= pair.DeviceIDHigh {
		return nil, false, fmt.Errorf("pair devices not in canonical order: %q, %q", pair.DeviceIDLow, pair.DeviceIDHigh)
	}
	if peer != nil && peer.ID != pair.DeviceIDLow && peer.ID != pair.DeviceIDHigh {
		return nil, false, fmt.Errorf("device %s is not part of pair %s", peer.ID, pair.ID)
	}

	if peer != nil {
		m.upsertDeviceLocked(peer)
	}

	stored, created := m.findPairLocked(pair.DeviceIDLow, pair.DeviceIDHigh), false
	if stored == nil {
		cp := *pair
		if cp.PairedAt.IsZero() {
			cp.PairedAt = time.Now().UTC()
		}
		m.pairs[cp.ID] = &cp
		stored, created = &cp, true
	}

	for _, b := range bindings {
		if b.AccountID != stored.AccountID {
			return nil, false, fmt.Errorf("binding %s belongs to account %s, pair has %s", b.ServiceName, b.AccountID, stored.AccountID)
		}
		byService, ok := m.bindings[b.AccountID]
		if !ok {
			byService = make(map[string]ServiceBinding)
			m.bindings[b.AccountID] = byService
		}
		if _, exists := byService[b.ServiceName]; !exists {
			if b.CreatedAt.IsZero() {
				b.CreatedAt = stored.PairedAt
			}
			byService[b.ServiceName] = b
		}
	}

	if t, ok := m.tokens[token]; ok {
		id := stored.ID
		t.PairID = &id
	}

	out := *stored
	return &out, created, nil
}

func (m *MockStore) findPairLocked(low, high string) *DevicePair {
	for _, p := range m.pairs {
		if p.DeviceIDLow == low && p.DeviceIDHigh == high {
			return p
		}
	}
	return nil
}

func (m *MockStore) GetPair(ctx context.Context, pairID string) (*DevicePair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	p, ok := m.pairs[pairID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) GetPairByDevices(ctx context.Context, a, b string) (*DevicePair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	low, high := OrderDeviceIDs(a, b)
	p := m.findPairLocked(low, high)
	if p == nil {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) ListPairs(ctx context.Context, deviceID string) ([]*DevicePair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	pairs := []*DevicePair{}
	for _, p := range m.pairs {
		if p.Contains(deviceID) {
			cp := *p
			pairs = append(pairs, &cp)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if !pairs[i].PairedAt.Equal(pairs[j].PairedAt) {
			return pairs[i].PairedAt.After(pairs[j].PairedAt)
		}
		return pairs[i].ID < pairs[j].ID
	})
	return pairs, nil
}

func (m *MockStore) DeletePair(ctx context.Context, pairID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}

	if _, ok := m.pairs[pairID]; !ok {
		return ErrNotFound
	}
	delete(m.pairs, pairID)
	for id, s := range m.sessions {
		if s.PairID == pairID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *MockStore) ListServiceBindings(ctx context.Context, accountID string) ([]ServiceBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	bindings := []ServiceBinding{}
	for _, b := range m.bindings[accountID] {
		bindings = append(bindings, b)
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].ServiceName < bindings[j].ServiceName })
	return bindings, nil
}

func (m *MockStore) CreateAuthSession(ctx context.Context, s *AuthSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	if _, ok := m.pairs[s.PairID]; !ok {
		return fmt.Errorf("mock: session references unknown pair %s: %w", s.PairID, ErrUnavailable)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MockStore) GetAuthSession(ctx context.Context, id string, now time.Time) (*AuthSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	s, ok := m.sessions[id]
	if !ok || !now.Before(s.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockStore) DeleteExpiredAuthSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}

	var n int64
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	limit := normalizeAuditLimit(f.Limit)
	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
