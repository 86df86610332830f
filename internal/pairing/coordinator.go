// ABOUTME: Pairing session coordinator driving redeem, verification and finalization
// ABOUTME: One mutex owns the pending-pairing table; token consumption is also a SQL check-and-set

package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/2389/tether/internal/account"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/signaling"
	"github.com/2389/tether/internal/store"
)

// DefaultMaxAttempts is how many wrong codes a pairing tolerates.
const DefaultMaxAttempts = 3

// State is the position of a pairing in its state machine.
type State string

const (
	StateIssued    State = "issued"
	StateInitiated State = "initiated"
	StateVerified  State = "verified"
	StateComplete  State = "complete"
	StateExpired   State = "expired"
)

// Store is the persistence the coordinator needs.
type Store interface {
	store.DeviceStore
	store.TokenStore
	store.PairStore
	store.AuditStore
}

// Device describes the redeeming device.
type Device struct {
	ID        string `json:"device_id"`
	Type      string `json:"device_type"`
	Name      string `json:"display_name"`
	PublicKey string `json:"public_key"`
}

// RedeemRequest is the body of POST /api/pair/redeem.
type RedeemRequest struct {
	Token  string `json:"token"`
	Device Device `json:"device"`
}

// RedeemResult is returned to the redeeming device.
type RedeemResult struct {
	Token            string            `json:"token"`
	VerificationCode string            `json:"verification_code"`
	Issuer           identity.Identity `json:"issuer"`
	ExpiresAt        time.Time         `json:"expires_at"`
}

// Result is the outcome of a completed pairing.
type Result struct {
	Token        string    `json:"token,omitempty"`
	State        State     `json:"state"`
	PairID       string    `json:"pair_id"`
	AccountID    string    `json:"account_id"`
	PeerDeviceID string    `json:"peer_device_id"`
	PairedAt     time.Time `json:"paired_at"`
	Created      bool      `json:"created"`
}

// Status reports where a pairing is. The verification code is present only
// while the pairing waits for confirmation.
type Status struct {
	Token            string    `json:"token"`
	State            State     `json:"state"`
	VerificationCode string    `json:"verification_code,omitempty"`
	Attempt          int       `json:"attempt,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	PairID           string    `json:"pair_id,omitempty"`
	AccountID        string    `json:"account_id,omitempty"`
}

// pending is the in-memory state of one redeemed token.
type pending struct {
	token     string
	remote    store.Device
	code      string
	failures  int
	state     State
	createdAt time.Time
	expiresAt time.Time
	result    *Result
}

// Coordinator owns every pending pairing of the local device. All methods
// are safe for concurrent use.
type Coordinator struct {
	store       Store
	engine      *account.Engine
	events      signaling.Publisher
	local       identity.Identity
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// NewCoordinator creates a coordinator for the local device.
func NewCoordinator(s Store, engine *account.Engine, events signaling.Publisher, local identity.Identity, ttl time.Duration, maxAttempts int) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{
		store:       s,
		engine:      engine,
		events:      events,
		local:       local,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      slog.Default().With("component", "pairing"),
		pending:     make(map[string]*pending),
	}
}

// Redeem consumes a token on behalf of a remote device and starts
// verification. Exactly one of any number of concurrent redeemers of the
// same token succeeds.
func (c *Coordinator) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	if err := c.validateRedeem(req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[req.Token]; ok {
		return nil, ErrTokenAlreadyConsumed
	}

	code, err := newVerificationCode()
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	if err := c.store.ConsumePairingToken(ctx, req.Token, req.Device.ID, now); err != nil {
		return nil, tokenError(err)
	}

	// The remote device is only registered once the code is confirmed.
	remote := store.Device{
		ID:          req.Device.ID,
		Type:        req.Device.Type,
		DisplayName: req.Device.Name,
		PublicKey:   req.Device.PublicKey,
	}

	p := &pending{
		token:     req.Token,
		remote:    remote,
		code:      code,
		state:     StateInitiated,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.pending[req.Token] = p

	c.audit(ctx, req.Device.ID, store.AuditTokenRedeemed, "token", tokenRef(req.Token), map[string]any{
		"device_type":  remote.Type,
		"display_name": remote.DisplayName,
	})
	c.events.Publish(signaling.PairingRequest(req.Token, remoteOf(remote), code, 1))

	c.logger.Info("pairing token redeemed",
		"remote_device", remote.ID,
		"remote_name", remote.DisplayName,
	)

	return &RedeemResult{
		Token:            req.Token,
		VerificationCode: code,
		Issuer:           c.local,
		ExpiresAt:        p.expiresAt,
	}, nil
}

func (c *Coordinator) validateRedeem(req RedeemRequest) error {
	switch {
	case req.Token == "":
		return fmt.Errorf("%w: missing token", ErrInvalidRequest)
	case req.Device.ID == "":
		return fmt.Errorf("%w: missing device_id", ErrInvalidRequest)
	case req.Device.ID == c.local.DeviceID:
		return fmt.Errorf("%w: %w", ErrInvalidRequest, account.ErrSameDevice)
	}
	if _, err := identity.ParsePublicKey(req.Device.PublicKey); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Confirm checks the code entered on the issuing device. On a match the pair
// and its bindings are persisted before Confirm returns. Confirming a
// completed pairing returns the same result again.
func (c *Coordinator) Confirm(ctx context.Context, token, code string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()

	p, ok := c.pending[token]
	if !ok {
		return c.confirmWithoutPending(ctx, token, now)
	}

	if p.state == StateComplete {
		return p.result, nil
	}

	if !now.Before(p.expiresAt) {
		c.abandonLocked(ctx, p, "expired")
		return nil, ErrTokenExpired
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(p.code)) != 1 {
		return nil, c.mismatchLocked(ctx, p)
	}

	p.state = StateVerified
	remote := p.remote
	pair, created, err := c.engine.Provision(ctx, token, c.local.DeviceID, &remote, now)
	if err != nil {
		// Nothing was persisted. The code stays valid so the user can retry.
		p.state = StateInitiated
		return nil, err
	}

	p.state = StateComplete
	p.result = &Result{
		Token:        token,
		State:        StateComplete,
		PairID:       pair.ID,
		AccountID:    pair.AccountID,
		PeerDeviceID: p.remote.ID,
		PairedAt:     pair.PairedAt,
		Created:      created,
	}

	if created {
		c.audit(ctx, c.local.DeviceID, store.AuditPairCreated, "pair", pair.ID, map[string]any{
			"peer_device_id": p.remote.ID,
			"account_id":     pair.AccountID,
		})
	}
	c.events.Publish(signaling.PairingComplete(token, pair.ID, pair.AccountID, p.remote.ID))

	c.logger.Info("pairing complete",
		"pair_id", pair.ID,
		"account_id", pair.AccountID,
		"remote_device", p.remote.ID,
		"created", created,
	)
	return p.result, nil
}

// confirmWithoutPending answers Confirm from the token row once the pending
// entry is gone (reaped, or the process restarted).
func (c *Coordinator) confirmWithoutPending(ctx context.Context, token string, now time.Time) (*Result, error) {
	t, err := c.store.GetPairingToken(ctx, token)
	if err != nil {
		return nil, tokenError(err)
	}

	if t.PairID != nil {
		pair, err := c.store.GetPair(ctx, *t.PairID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Completed once, then unpaired.
				return nil, ErrTokenAlreadyConsumed
			}
			return nil, err
		}
		return &Result{
			Token:        token,
			State:        StateComplete,
			PairID:       pair.ID,
			AccountID:    pair.AccountID,
			PeerDeviceID: pair.Peer(c.local.DeviceID),
			PairedAt:     pair.PairedAt,
		}, nil
	}

	if t.Status == store.TokenStatusIssued && !t.Expired(now) {
		return nil, ErrTokenNotRedeemed
	}
	return nil, ErrTokenExpired
}

// mismatchLocked records a wrong code. It issues a fresh code, or expires the
// token once the attempts are used up.
func (c *Coordinator) mismatchLocked(ctx context.Context, p *pending) error {
	p.failures++

	if p.failures >= c.maxAttempts {
		c.logger.Warn("verification attempts exhausted", "remote_device", p.remote.ID)
		c.audit(ctx, c.local.DeviceID, store.AuditTokenExhausted, "token", tokenRef(p.token), map[string]any{
			"attempts": p.failures,
		})
		c.abandonLocked(ctx, p, "too_many_attempts")
		return ErrTooManyAttempts
	}

	code, err := newVerificationCode()
	if err != nil {
		return err
	}
	p.code = code
	attempt := p.failures + 1
	c.events.Publish(signaling.PairingRequest(p.token, remoteOf(p.remote), code, attempt))

	c.logger.Info("verification code mismatch, new code issued",
		"remote_device", p.remote.ID,
		"attempt", attempt,
	)
	return ErrVerificationMismatch
}

// abandonLocked drops a pending pairing and forces its token to expire.
func (c *Coordinator) abandonLocked(ctx context.Context, p *pending, reason string) {
	delete(c.pending, p.token)

	if err := c.store.ExpirePairingToken(ctx, p.token); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("failed to expire pairing token", "error", err)
	}
	c.events.Publish(signaling.PairingFailed(p.token, reason))
}

// Status reports the state of a token.
func (c *Coordinator) Status(ctx context.Context, token string) (*Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()

	if p, ok := c.pending[token]; ok {
		if p.state != StateComplete && !now.Before(p.expiresAt) {
			c.abandonLocked(ctx, p, "expired")
			return &Status{Token: token, State: StateExpired, ExpiresAt: p.expiresAt}, nil
		}
		st := &Status{Token: token, State: p.state, ExpiresAt: p.expiresAt}
		switch p.state {
		case StateInitiated:
			st.VerificationCode = p.code
			st.Attempt = p.failures + 1
		case StateComplete:
			st.PairID = p.result.PairID
			st.AccountID = p.result.AccountID
		}
		return st, nil
	}

	t, err := c.store.GetPairingToken(ctx, token)
	if err != nil {
		return nil, tokenError(err)
	}

	st := &Status{Token: token, ExpiresAt: t.ExpiresAt}
	switch {
	case t.PairID != nil:
		st.State = StateComplete
		st.PairID = *t.PairID
		if pair, err := c.store.GetPair(ctx, *t.PairID); err == nil {
			st.AccountID = pair.AccountID
		}
	case t.Status == store.TokenStatusIssued && !t.Expired(now):
		st.State = StateIssued
	default:
		st.State = StateExpired
	}
	return st, nil
}

// Pending returns the number of pairings awaiting confirmation.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.pending {
		if p.state != StateComplete {
			n++
		}
	}
	return n
}

// Sweep drops pending pairings older than the token TTL and deletes token
// rows that can no longer be redeemed. It returns the number of pending
// pairings removed.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	removed := 0
	for _, p := range c.pending {
		if now.Before(p.expiresAt) {
			continue
		}
		if p.state == StateComplete {
			// The token row carries the pair id from here on.
			delete(c.pending, p.token)
		} else {
			c.abandonLocked(ctx, p, "expired")
		}
		removed++
	}

	// Pending entries live for ttl after redemption, so older consumed
	// tokens have no verification left to link them.
	deleted, err := c.store.DeleteExpiredPairingTokens(ctx, now, now.Add(-c.ttl))
	if err != nil {
		return removed, fmt.Errorf("deleting expired tokens: %w", err)
	}
	if removed > 0 || deleted > 0 {
		c.logger.Debug("pairing sweep", "pending_removed", removed, "tokens_deleted", deleted)
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error("pairing sweep failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) audit(ctx context.Context, actor string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	if err := c.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}); err != nil {
		c.logger.Warn("failed to write audit entry", "action", action, "error", err)
	}
}

func remoteOf(d store.Device) signaling.RemoteDevice {
	return signaling.RemoteDevice{
		DeviceID:    d.ID,
		DeviceType:  d.Type,
		DisplayName: d.DisplayName,
	}
}

// newVerificationCode returns a uniformly random six digit code.
func newVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generating verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
