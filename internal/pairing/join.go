// ABOUTME: Redeeming side of pairing: redeem a scanned payload and wait for confirmation
// ABOUTME: Once the issuer completes, the same derivation is persisted locally

package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/2389/tether/internal/account"
	"github.com/2389/tether/internal/client"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/signaling"
	"github.com/2389/tether/internal/store"
)

const defaultPollInterval = time.Second

// ErrDerivationMismatch is returned when the issuer reports a pair or
// account id this device does not derive itself, typically because the two
// devices use different account salts.
var ErrDerivationMismatch = errors.New("issuer derived a different pair")

// Joiner redeems payloads produced by another device's token service.
type Joiner struct {
	store        Store
	engine       *account.Engine
	events       signaling.Publisher
	local        identity.Identity
	pollInterval time.Duration
	httpOpts     []client.Option
	now          func() time.Time
	logger       *slog.Logger
}

// NewJoiner creates a joiner for the local device.
func NewJoiner(s Store, engine *account.Engine, events signaling.Publisher, local identity.Identity, opts ...client.Option) *Joiner {
	return &Joiner{
		store:        s,
		engine:       engine,
		events:       events,
		local:        local,
		pollInterval: defaultPollInterval,
		httpOpts:     opts,
		now:          time.Now,
		logger:       slog.Default().With("component", "pairing"),
	}
}

// Join redeems p against the issuing device, publishes the verification
// code locally and blocks until the issuer confirms, the token expires or ctx
// is cancelled. On completion the pair is persisted on this device too.
func (j *Joiner) Join(ctx context.Context, p *Payload) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.DeviceID == j.local.DeviceID {
		return nil, account.ErrSameDevice
	}
	if !j.now().Before(p.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	want, err := j.engine.Derive(j.local.DeviceID, p.DeviceID)
	if err != nil {
		return nil, err
	}

	issuer := client.New("", j.httpOpts...)

	var redeemed RedeemResult
	err = issuer.Post(ctx, p.RedeemEndpoint, RedeemRequest{
		Token: p.PairingToken,
		Device: Device{
			ID:        j.local.DeviceID,
			Type:      j.local.DeviceType,
			Name:      j.local.DisplayName,
			PublicKey: j.local.PublicKey,
		},
	}, &redeemed)
	if err != nil {
		return nil, remoteError(err)
	}
	if redeemed.Issuer.DeviceID != p.DeviceID {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIssuerMismatch, p.DeviceID, redeemed.Issuer.DeviceID)
	}

	peer := store.Device{
		ID:          redeemed.Issuer.DeviceID,
		Type:        redeemed.Issuer.DeviceType,
		DisplayName: redeemed.Issuer.DisplayName,
		PublicKey:   redeemed.Issuer.PublicKey,
	}
	if peer.PublicKey == "" {
		peer.PublicKey = p.PublicKey
	}

	j.logger.Info("token redeemed, waiting for confirmation", "issuer", peer.ID)
	j.events.Publish(signaling.PairingRequest(p.PairingToken, remoteOf(peer), redeemed.VerificationCode, 1))

	st, err := j.waitForCompletion(ctx, issuer, statusEndpoint(p.RedeemEndpoint), p.PairingToken, peer, redeemed)
	if err != nil {
		j.events.Publish(signaling.PairingFailed(p.PairingToken, failureReason(err)))
		return nil, err
	}

	if st.PairID != want.PairID || (st.AccountID != "" && st.AccountID != want.AccountID) {
		j.events.Publish(signaling.PairingFailed(p.PairingToken, "derivation_mismatch"))
		return nil, ErrDerivationMismatch
	}

	pair, created, err := j.engine.Provision(ctx, "", j.local.DeviceID, &peer, j.now())
	if err != nil {
		return nil, err
	}

	if created {
		if err := j.store.AppendAuditLog(ctx, &store.AuditEntry{
			Actor:      j.local.DeviceID,
			Action:     store.AuditPairCreated,
			TargetType: "pair",
			TargetID:   pair.ID,
			Detail:     map[string]any{"peer_device_id": peer.ID, "account_id": pair.AccountID},
		}); err != nil {
			j.logger.Warn("failed to write audit entry", "error", err)
		}
	}
	j.events.Publish(signaling.PairingComplete(p.PairingToken, pair.ID, pair.AccountID, peer.ID))

	j.logger.Info("pairing complete", "pair_id", pair.ID, "account_id", pair.AccountID, "issuer", peer.ID)

	return &Result{
		Token:        p.PairingToken,
		State:        StateComplete,
		PairID:       pair.ID,
		AccountID:    pair.AccountID,
		PeerDeviceID: peer.ID,
		PairedAt:     pair.PairedAt,
		Created:      created,
	}, nil
}

// waitForCompletion polls the issuer's status endpoint. A re-issued code is
// republished locally so both displays stay in step.
func (j *Joiner) waitForCompletion(ctx context.Context, issuer *client.Client, endpoint, token string, peer store.Device, redeemed RedeemResult) (*Status, error) {
	deadline := redeemed.ExpiresAt
	if deadline.IsZero() {
		deadline = j.now().Add(DefaultTokenTTL)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	statusURL := endpoint + "?token=" + url.QueryEscape(token)
	code := redeemed.VerificationCode

	ticker := time.NewTicker(j.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTokenExpired
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var st Status
		if err := issuer.Get(ctx, statusURL, &st); err != nil {
			if ctx.Err() != nil {
				continue
			}
			if client.Code(err) != "" {
				return nil, remoteError(err)
			}
			// Transient network failure; keep polling until the deadline.
			j.logger.Debug("status poll failed", "error", err)
			continue
		}

		switch st.State {
		case StateComplete:
			return &st, nil
		case StateExpired:
			return nil, ErrTokenExpired
		case StateInitiated:
			if st.VerificationCode != "" && st.VerificationCode != code {
				code = st.VerificationCode
				j.events.Publish(signaling.PairingRequest(token, remoteOf(peer), code, st.Attempt))
			}
		}
	}
}

// statusEndpoint derives the status URL from a redeem URL, keeping any path
// prefix a proxy may have added.
func statusEndpoint(redeem string) string {
	return strings.TrimSuffix(redeem, RedeemPath) + StatusPath
}

// remoteError maps an API error from the issuer back to a pairing error.
func remoteError(err error) error {
	switch client.Code(err) {
	case client.CodeTokenNotFound:
		return ErrTokenNotFound
	case client.CodeTokenExpired, client.CodeTooManyAttempts:
		return ErrTokenExpired
	case client.CodeTokenConsumed:
		return ErrTokenAlreadyConsumed
	case client.CodeInvalidRequest:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		return fmt.Errorf("contacting issuing device: %w", err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
