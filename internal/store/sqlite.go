// ABOUTME: SQLite implementation of the Store interface using database/sql
// ABOUTME: Supports the pure-Go modernc driver and the cgo mattn driver with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// timeFormat is used for every timestamp column. Fixed-width UTC strings
// compare correctly as text, which the expiry queries rely on.
const timeFormat = time.RFC3339

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// default pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a store with the named driver. The schema is created if it
// doesn't exist and parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverMattn:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			device_id            TEXT PRIMARY KEY,
			device_type          TEXT NOT NULL,
			display_name         TEXT NOT NULL,
			hardware_fingerprint TEXT NOT NULL DEFAULT '',
			public_key           TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pairing_tokens (
			token             TEXT PRIMARY KEY,
			issuing_device_id TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'issued',
			created_at        TEXT NOT NULL,
			expires_at        TEXT NOT NULL,
			consumed_by       TEXT,
			consumed_at       TEXT,

			CHECK (status IN ('issued', 'consumed', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_pairing_tokens_expires ON pairing_tokens(expires_at);
		CREATE INDEX IF NOT EXISTS idx_pairing_tokens_issuer ON pairing_tokens(issuing_device_id);

		CREATE TABLE IF NOT EXISTS device_pairs (
			pair_id        TEXT PRIMARY KEY,
			device_id_low  TEXT NOT NULL,
			device_id_high TEXT NOT NULL,
			account_id     TEXT NOT NULL,
			paired_at      TEXT NOT NULL,

			UNIQUE(device_id_low, device_id_high),
			CHECK (device_id_low < device_id_high)
		);

		CREATE INDEX IF NOT EXISTS idx_device_pairs_low ON device_pairs(device_id_low);
		CREATE INDEX IF NOT EXISTS idx_device_pairs_high ON device_pairs(device_id_high);
		CREATE INDEX IF NOT EXISTS idx_device_pairs_account ON device_pairs(account_id);

		CREATE TABLE IF NOT EXISTS auth_sessions (
			session_id TEXT PRIMARY KEY,
			pair_id    TEXT NOT NULL REFERENCES device_pairs(pair_id) ON DELETE CASCADE,
			device_id  TEXT NOT NULL,
			account_id TEXT NOT NULL,
			issued_at  TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_auth_sessions_expires ON auth_sessions(expires_at);
		CREATE INDEX IF NOT EXISTS idx_auth_sessions_pair ON auth_sessions(pair_id);

		CREATE TABLE IF NOT EXISTS service_bindings (
			account_id         TEXT NOT NULL,
			service_name       TEXT NOT NULL,
			service_account_id TEXT NOT NULL,
			service_data       TEXT,
			created_at         TEXT NOT NULL,

			PRIMARY KEY (account_id, service_name)
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "pairing_tokens",
			column: "pair_id",
			apply:  `ALTER TABLE pairing_tokens ADD COLUMN pair_id TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		if err := s.db.QueryRow(check, m.column).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// unavailable wraps a driver error so callers can tell store outages apart
// from domain errors.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", column, err)
	}
	return t, nil
}

// parseNullTime converts a nullable timestamp column.
func parseNullTime(column string, value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(column, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
