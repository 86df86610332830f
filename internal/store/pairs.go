// ABOUTME: Device pair and service binding store methods
// ABOUTME: FinalizePair persists a pair, its bindings and the token link atomically

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FinalizePair writes the peer device, the pair, its service bindings and
// the originating token's pair_id in a single transaction. A pair that
// already exists for the same device couple is returned as stored with
// created=false.
func (s *SQLiteStore) FinalizePair(ctx context.Context, pair *DevicePair, peer *Device, bindings []ServiceBinding, token string) (*DevicePair, bool, error) {
	if pair.DeviceIDLow >= pair.DeviceIDHigh {
		return nil, false, fmt.Errorf("pair devices not in canonical order: %q, %q", pair.DeviceIDLow, pair.DeviceIDHigh)
	}
	if peer != nil && peer.ID != pair.DeviceIDLow && peer.ID != pair.DeviceIDHigh {
		return nil, false, fmt.Errorf("device %s is not part of pair %s", peer.ID, pair.ID)
	}
	if pair.PairedAt.IsZero() {
		pair.PairedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, unavailable("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if peer != nil {
		if err := upsertDevice(ctx, tx, peer); err != nil {
			return nil, false, unavailable("registering peer device", err)
		}
	}

	stored := pair
	created := true

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_pairs (pair_id, device_id_low, device_id_high, account_id, paired_at)
		VALUES (?, ?, ?, ?, ?)
	`, pair.ID, pair.DeviceIDLow, pair.DeviceIDHigh, pair.AccountID, formatTime(pair.PairedAt))
	if err != nil {
		if !isUniqueConstraintError(err) {
			return nil, false, unavailable("inserting pair", err)
		}
		created = false
		row := tx.QueryRowContext(ctx, `
			SELECT pair_id, device_id_low, device_id_high, account_id, paired_at
			FROM device_pairs WHERE device_id_low = ? AND device_id_high = ?
		`, pair.DeviceIDLow, pair.DeviceIDHigh)
		if stored, err = scanPair(row); err != nil {
			return nil, false, unavailable("loading existing pair", err)
		}
	}

	for _, b := range bindings {
		if b.AccountID != stored.AccountID {
			return nil, false, fmt.Errorf("binding %s belongs to account %s, pair has %s", b.ServiceName, b.AccountID, stored.AccountID)
		}
		var data *string
		if b.ServiceData != nil {
			raw, err := json.Marshal(b.ServiceData)
			if err != nil {
				return nil, false, fmt.Errorf("marshaling service data: %w", err)
			}
			str := string(raw)
			data = &str
		}
		createdAt := b.CreatedAt
		if createdAt.IsZero() {
			createdAt = stored.PairedAt
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO service_bindings (account_id, service_name, service_account_id, service_data, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, b.AccountID, b.ServiceName, b.ServiceAccountID, data, formatTime(createdAt))
		if err != nil {
			return nil, false, unavailable("inserting service binding", err)
		}
	}

	if token != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE pairing_tokens SET pair_id = ? WHERE token = ?`, stored.ID, token); err != nil {
			return nil, false, unavailable("linking token to pair", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, unavailable("committing pair", err)
	}

	s.logger.Info("pair finalized",
		"pair_id", stored.ID,
		"account_id", stored.AccountID,
		"created", created,
	)
	return stored, created, nil
}

// GetPair retrieves a pair by id.
// Returns ErrNotFound if the pair doesn't exist.
func (s *SQLiteStore) GetPair(ctx context.Context, pairID string) (*DevicePair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair_id, device_id_low, device_id_high, account_id, paired_at
		FROM device_pairs WHERE pair_id = ?
	`, pairID)

	p, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying pair", err)
	}
	return p, nil
}

// GetPairByDevices retrieves the pair containing both devices, in any order.
// Returns ErrNotFound if the devices are not paired.
func (s *SQLiteStore) GetPairByDevices(ctx context.Context, a, b string) (*DevicePair, error) {
	low, high := OrderDeviceIDs(a, b)
	row := s.db.QueryRowContext(ctx, `
		SELECT pair_id, device_id_low, device_id_high, account_id, paired_at
		FROM device_pairs WHERE device_id_low = ? AND device_id_high = ?
	`, low, high)

	p, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying pair by devices", err)
	}
	return p, nil
}

// ListPairs returns every pair the device takes part in, newest first.
func (s *SQLiteStore) ListPairs(ctx context.Context, deviceID string) ([]*DevicePair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair_id, device_id_low, device_id_high, account_id, paired_at
		FROM device_pairs
		WHERE device_id_low = ? OR device_id_high = ?
		ORDER BY paired_at DESC, pair_id
	`, deviceID, deviceID)
	if err != nil {
		return nil, unavailable("querying pairs", err)
	}
	defer rows.Close()

	pairs := []*DevicePair{}
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pair row: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating pair rows", err)
	}
	return pairs, nil
}

// DeletePair removes a pair. Sessions bound to it are removed by cascade.
// Bindings stay: they are derived from the account id and are recreated
// identically if the devices pair again.
func (s *SQLiteStore) DeletePair(ctx context.Context, pairID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM device_pairs WHERE pair_id = ?`, pairID)
	if err != nil {
		return unavailable("deleting pair", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("getting rows affected", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	s.logger.Info("pair deleted", "pair_id", pairID)
	return nil
}

// ListServiceBindings returns the bindings of an account ordered by service.
func (s *SQLiteStore) ListServiceBindings(ctx context.Context, accountID string) ([]ServiceBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, service_name, service_account_id, service_data, created_at
		FROM service_bindings WHERE account_id = ?
		ORDER BY service_name
	`, accountID)
	if err != nil {
		return nil, unavailable("querying service bindings", err)
	}
	defer rows.Close()

	bindings := []ServiceBinding{}
	for rows.Next() {
		var b ServiceBinding
		var data sql.NullString
		var createdAt string
		if err := rows.Scan(&b.AccountID, &b.ServiceName, &b.ServiceAccountID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning service binding: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &b.ServiceData); err != nil {
				return nil, fmt.Errorf("unmarshaling service data: %w", err)
			}
		}
		if b.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating service bindings", err)
	}
	return bindings, nil
}

func scanPair(row rowScanner) (*DevicePair, error) {
	var p DevicePair
	var pairedAt string
	if err := row.Scan(&p.ID, &p.DeviceIDLow, &p.DeviceIDHigh, &p.AccountID, &pairedAt); err != nil {
		return nil, err
	}
	var err error
	if p.PairedAt, err = parseTime("paired_at", pairedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
