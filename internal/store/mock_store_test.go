package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_TokenLifecycle(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.CreatePairingToken(ctx, testToken("tok", now, time.Minute)))
	require.NoError(t, m.ConsumePairingToken(ctx, "tok", "dev-b", now))
	assert.ErrorIs(t, m.ConsumePairingToken(ctx, "tok", "dev-c", now), ErrTokenConsumed)
	assert.ErrorIs(t, m.ConsumePairingToken(ctx, "missing", "dev-c", now), ErrNotFound)

	require.NoError(t, m.CreatePairingToken(ctx, testToken("late", now.Add(-time.Hour), time.Minute)))
	assert.ErrorIs(t, m.ConsumePairingToken(ctx, "late", "dev-b", now), ErrTokenExpired)
}

func TestMockStore_FinalizeMatchesSQLite(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	pair := testPair("dev-a", "dev-b")
	_, created, err := m.FinalizePair(ctx, pair, nil, testBindings(pair.AccountID), "")
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = m.FinalizePair(ctx, testPair("dev-b", "dev-a"), nil, testBindings(pair.AccountID), "")
	require.NoError(t, err)
	assert.False(t, created)

	bindings, err := m.ListServiceBindings(ctx, pair.AccountID)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	now := time.Now().UTC()
	require.NoError(t, m.CreateAuthSession(ctx, &AuthSession{ID: "s", PairID: pair.ID, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, m.DeletePair(ctx, pair.ID))
	_, err = m.GetAuthSession(ctx, "s", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_Unavailable(t *testing.T) {
	m := NewMockStore()
	m.SetUnavailable(true)

	_, err := m.GetDevice(context.Background(), "dev-a")
	assert.True(t, errors.Is(err, ErrUnavailable))

	m.SetUnavailable(false)
	_, err = m.GetDevice(context.Background(), "dev-a")
	assert.ErrorIs(t, err, ErrNotFound)
}
