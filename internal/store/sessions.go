// ABOUTME: Authentication session store methods
// ABOUTME: Sessions reference their pair and disappear with it on unpair

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateAuthSession persists a new session. The referenced pair must exist.
func (s *SQLiteStore) CreateAuthSession(ctx context.Context, sess *AuthSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (session_id, pair_id, device_id, account_id, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.PairID, sess.DeviceID, sess.AccountID, formatTime(sess.IssuedAt), formatTime(sess.ExpiresAt))
	if err != nil {
		return unavailable("creating auth session", err)
	}
	s.logger.Debug("created auth session", "device_id", sess.DeviceID, "pair_id", sess.PairID)
	return nil
}

// GetAuthSession retrieves a session that is still valid at now.
// Returns ErrNotFound for unknown, expired or revoked sessions.
func (s *SQLiteStore) GetAuthSession(ctx context.Context, id string, now time.Time) (*AuthSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, pair_id, device_id, account_id, issued_at, expires_at
		FROM auth_sessions
		WHERE session_id = ? AND expires_at > ?
	`, id, formatTime(now))

	var sess AuthSession
	var issuedAt, expiresAt string
	err := row.Scan(&sess.ID, &sess.PairID, &sess.DeviceID, &sess.AccountID, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying auth session", err)
	}
	if sess.IssuedAt, err = parseTime("issued_at", issuedAt); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteExpiredAuthSessions removes sessions whose TTL has elapsed.
func (s *SQLiteStore) DeleteExpiredAuthSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, unavailable("deleting expired auth sessions", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
