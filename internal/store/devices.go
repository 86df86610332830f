// ABOUTME: Device store methods for local and remote device identities
// ABOUTME: Local devices are upserted on boot, remote devices when their pairing is confirmed

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertDevice inserts a device or refreshes its mutable fields.
// CreatedAt is preserved for existing rows.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *Device) error {
	if err := upsertDevice(ctx, s.db, d); err != nil {
		return unavailable("upserting device", err)
	}

	s.logger.Debug("upserted device", "device_id", d.ID, "type", d.Type)
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertDevice(ctx context.Context, db execer, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (device_id, device_type, display_name, hardware_fingerprint, public_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_type = excluded.device_type,
			display_name = excluded.display_name,
			hardware_fingerprint = CASE
				WHEN excluded.hardware_fingerprint = '' THEN devices.hardware_fingerprint
				ELSE excluded.hardware_fingerprint
			END,
			public_key = excluded.public_key,
			updated_at = excluded.updated_at
	`,
		d.ID,
		d.Type,
		d.DisplayName,
		d.HardwareFingerprint,
		d.PublicKey,
		formatTime(d.CreatedAt),
		formatTime(d.UpdatedAt),
	)
	return err
}

// GetDevice retrieves a device by id.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, device_type, display_name, hardware_fingerprint, public_key, created_at, updated_at
		FROM devices WHERE device_id = ?
	`, id)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying device", err)
	}
	return d, nil
}

// ListDevices returns every known device ordered by display name.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, device_type, display_name, hardware_fingerprint, public_key, created_at, updated_at
		FROM devices ORDER BY display_name, device_id
	`)
	if err != nil {
		return nil, unavailable("querying devices", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating device rows", err)
	}
	return devices, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.Type, &d.DisplayName, &d.HardwareFingerprint, &d.PublicKey, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
