// ABOUTME: Pairing token store methods with atomic single-use consumption
// ABOUTME: Consumption is a conditional UPDATE so concurrent redeemers cannot both win

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreatePairingToken records a newly issued token.
func (s *SQLiteStore) CreatePairingToken(ctx context.Context, t *PairingToken) error {
	if t.Status == "" {
		t.Status = TokenStatusIssued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_tokens (token, issuing_device_id, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.Token, t.IssuingDeviceID, t.Status, formatTime(t.CreatedAt), formatTime(t.ExpiresAt))
	if err != nil {
		return unavailable("creating pairing token", err)
	}

	s.logger.Debug("created pairing token", "issuer", t.IssuingDeviceID, "expires_at", t.ExpiresAt)
	return nil
}

// GetPairingToken retrieves a token row.
// Returns ErrNotFound if the token doesn't exist.
func (s *SQLiteStore) GetPairingToken(ctx context.Context, token string) (*PairingToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, issuing_device_id, status, created_at, expires_at, consumed_by, consumed_at, pair_id
		FROM pairing_tokens WHERE token = ?
	`, token)

	var t PairingToken
	var status, createdAt, expiresAt string
	var consumedBy, consumedAt, pairID sql.NullString

	err := row.Scan(&t.Token, &t.IssuingDeviceID, &status, &createdAt, &expiresAt, &consumedBy, &consumedAt, &pairID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying pairing token", err)
	}

	t.Status = TokenStatus(status)
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	if t.ConsumedAt, err = parseNullTime("consumed_at", consumedAt); err != nil {
		return nil, err
	}
	if consumedBy.Valid {
		t.ConsumedBy = &consumedBy.String
	}
	if pairID.Valid {
		t.PairID = &pairID.String
	}
	return &t, nil
}

// ConsumePairingToken atomically marks a token consumed by a remote device.
// Returns ErrNotFound, ErrTokenExpired or ErrTokenConsumed when the token
// cannot be redeemed.
func (s *SQLiteStore) ConsumePairingToken(ctx context.Context, token, consumedBy string, now time.Time) error {
	nowStr := formatTime(now)

	// Atomic update: only succeeds if the token exists, is still issued and
	// not expired. This prevents TOCTOU races between concurrent redeemers.
	result, err := s.db.ExecContext(ctx, `
		UPDATE pairing_tokens
		SET status = ?, consumed_by = ?, consumed_at = ?
		WHERE token = ?
		  AND status = ?
		  AND expires_at > ?
	`, TokenStatusConsumed, consumedBy, nowStr, token, TokenStatusIssued, nowStr)
	if err != nil {
		return unavailable("consuming pairing token", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return unavailable("getting rows affected", err)
	}
	if rowsAffected > 0 {
		s.logger.Info("pairing token consumed", "consumed_by", consumedBy)
		return nil
	}

	// rowsAffected == 0 - determine why
	t, err := s.GetPairingToken(ctx, token)
	if err != nil {
		return err
	}
	if t.Status == TokenStatusConsumed {
		return ErrTokenConsumed
	}
	return ErrTokenExpired
}

// ExpirePairingToken forces a token into the expired state regardless of its
// expiry time. Used when verification attempts are exhausted.
func (s *SQLiteStore) ExpirePairingToken(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE pairing_tokens SET status = ? WHERE token = ?`, TokenStatusExpired, token)
	if err != nil {
		return unavailable("expiring pairing token", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredPairingTokens removes tokens that can no longer be used and
// never produced a pair. Tokens linked to a pair are kept so confirmation
// stays idempotent. A consumed token is kept until consumedBefore passes its
// consumed_at, so a verification still in progress can link it.
func (s *SQLiteStore) DeleteExpiredPairingTokens(ctx context.Context, now, consumedBefore time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pairing_tokens
		WHERE pair_id IS NULL
		  AND (status = ?
		    OR (status = ? AND expires_at <= ?)
		    OR (status = ? AND consumed_at <= ?))
	`, TokenStatusExpired,
		TokenStatusIssued, formatTime(now),
		TokenStatusConsumed, formatTime(consumedBefore))
	if err != nil {
		return 0, unavailable("deleting expired pairing tokens", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Debug("deleted expired pairing tokens", "count", rowsAffected)
	}
	return rowsAffected, nil
}
