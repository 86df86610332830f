package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether/internal/account"
	"github.com/2389/tether/internal/client"
	"github.com/2389/tether/internal/signaling"
	"github.com/2389/tether/internal/store"
)

// issuerAPI exposes the redeem and status endpoints of a coordinator.
func issuerAPI(c *Coordinator) http.Handler {
	writeErr := func(w http.ResponseWriter, err error) {
		status, code := http.StatusInternalServerError, client.CodeInternal
		switch {
		case errors.Is(err, ErrTokenNotFound):
			status, code = http.StatusNotFound, client.CodeTokenNotFound
		case errors.Is(err, ErrTokenExpired):
			status, code = http.StatusGone, client.CodeTokenExpired
		case errors.Is(err, ErrTokenAlreadyConsumed):
			status, code = http.StatusConflict, client.CodeTokenConsumed
		case errors.Is(err, ErrInvalidRequest):
			status, code = http.StatusBadRequest, client.CodeInvalidRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(client.ErrorResponse{Error: err.Error(), Code: code})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RedeemPath, func(w http.ResponseWriter, r *http.Request) {
		var req RedeemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, ErrInvalidRequest)
			return
		}
		res, err := c.Redeem(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("GET "+StatusPath, func(w http.ResponseWriter, r *http.Request) {
		st, err := c.Status(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	return mux
}

type joinFixture struct {
	issuer *fixture
	server *httptest.Server
	store  *store.SQLiteStore
	events *recorder
	joiner *Joiner
}

func newJoinFixture(t *testing.T) *joinFixture {
	t.Helper()

	issuer := newFixture(t)
	issuer.coord.now = time.Now
	issuer.tokens.now = time.Now

	srv := httptest.NewServer(issuerAPI(issuer.coord))
	t.Cleanup(srv.Close)
	issuer.tokens.baseURL = srv.URL

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "joiner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	events := &recorder{}
	joiner := NewJoiner(s, account.NewEngine(s, testSalt), events, issuer.remote)
	joiner.pollInterval = 10 * time.Millisecond

	return &joinFixture{issuer: issuer, server: srv, store: s, events: events, joiner: joiner}
}

func TestJoin_CompletesOnBothDevices(t *testing.T) {
	jf := newJoinFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := jf.issuer.tokens.IssueToken(ctx)
	require.NoError(t, err)
	compact, err := payload.Compact()
	require.NoError(t, err)
	decoded, err := DecodePayload(compact)
	require.NoError(t, err)

	type joinResult struct {
		res *Result
		err error
	}
	done := make(chan joinResult, 1)
	go func() {
		res, err := jf.joiner.Join(ctx, decoded)
		done <- joinResult{res, err}
	}()

	// Both displays show the same code.
	require.Eventually(t, func() bool {
		return len(jf.events.ofType(signaling.EventPairingRequest)) == 1 &&
			len(jf.issuer.events.ofType(signaling.EventPairingRequest)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	local := jf.events.last(signaling.EventPairingRequest).Field("verification_code")
	remote := jf.issuer.events.last(signaling.EventPairingRequest).Field("verification_code")
	require.Equal(t, remote, local)

	issued, err := jf.issuer.coord.Confirm(ctx, payload.PairingToken, remote)
	require.NoError(t, err)

	var jr joinResult
	select {
	case jr = <-done:
	case <-ctx.Done():
		t.Fatal("join did not finish")
	}
	require.NoError(t, jr.err)
	assert.Equal(t, issued.PairID, jr.res.PairID)
	assert.Equal(t, issued.AccountID, jr.res.AccountID)
	assert.Equal(t, jf.issuer.local.DeviceID, jr.res.PeerDeviceID)

	pair, err := jf.store.GetPair(ctx, issued.PairID)
	require.NoError(t, err)
	assert.Equal(t, issued.AccountID, pair.AccountID)

	bindings, err := jf.store.ListServiceBindings(ctx, issued.AccountID)
	require.NoError(t, err)
	assert.Len(t, bindings, len(account.Services()))

	peer, err := jf.store.GetDevice(ctx, jf.issuer.local.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, jf.issuer.local.PublicKey, peer.PublicKey)

	assert.Len(t, jf.events.ofType(signaling.EventPairingComplete), 1)
}

func TestJoin_FollowsReissuedCode(t *testing.T) {
	jf := newJoinFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := jf.issuer.tokens.IssueToken(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := jf.joiner.Join(ctx, payload)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(jf.issuer.events.ofType(signaling.EventPairingRequest)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = jf.issuer.coord.Confirm(ctx, payload.PairingToken, "wrong!")
	require.ErrorIs(t, err, ErrVerificationMismatch)
	fresh := jf.issuer.events.last(signaling.EventPairingRequest).Field("verification_code")

	require.Eventually(t, func() bool {
		return jf.events.last(signaling.EventPairingRequest).Field("verification_code") == fresh
	}, 5*time.Second, 10*time.Millisecond)

	_, err = jf.issuer.coord.Confirm(ctx, payload.PairingToken, fresh)
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestJoin_TokenAlreadyConsumed(t *testing.T) {
	jf := newJoinFixture(t)
	ctx := context.Background()

	payload, err := jf.issuer.tokens.IssueToken(ctx)
	require.NoError(t, err)

	other := newTestIdentity(t, "intruder")
	_, err = jf.issuer.coord.Redeem(ctx, RedeemRequest{Token: payload.PairingToken, Device: deviceOf(other)})
	require.NoError(t, err)

	_, err = jf.joiner.Join(ctx, payload)
	assert.ErrorIs(t, err, ErrTokenAlreadyConsumed)
}

func TestJoin_ExpiredPayload(t *testing.T) {
	jf := newJoinFixture(t)

	payload := testPayload()
	payload.ExpiresAt = time.Now().Add(-time.Minute)

	_, err := jf.joiner.Join(context.Background(), payload)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestJoin_AbandonedByIssuer(t *testing.T) {
	jf := newJoinFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := jf.issuer.tokens.IssueToken(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := jf.joiner.Join(ctx, payload)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(jf.issuer.events.ofType(signaling.EventPairingRequest)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, _ = jf.issuer.coord.Confirm(ctx, payload.PairingToken, "wrong!")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTokenExpired)
	case <-ctx.Done():
		t.Fatal("join did not notice the abandoned pairing")
	}
	assert.Equal(t, "expired", jf.events.last(signaling.EventPairingFailed).Field("reason"))

	pairs, err := jf.store.ListPairs(ctx, jf.issuer.remote.DeviceID)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}
