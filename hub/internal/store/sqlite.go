package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			hostname TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			revoked_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_token_hash ON devices(token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_org_id ON devices(org_id)`,
		`CREATE TABLE IF NOT EXISTS admin_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			revoked_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_org_id ON audit_events(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Devices ---

func (s *SQLiteStore) InsertDevice(ctx context.Context, dev *Device) (*Device, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO devices (id, org_id, hostname, token_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		dev.ID, dev.OrgID, dev.Hostname, dev.TokenHash, dev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	out := *dev
	return &out, nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, hostname, token_hash, created_at, revoked_at FROM devices WHERE id = ?", id)
	return scanDevice(row)
}

func (s *SQLiteStore) FindDeviceByTokenHash(ctx context.Context, hash string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, hostname, token_hash, created_at, revoked_at FROM devices WHERE token_hash = ?", hash)
	return scanDevice(row)
}

func (s *SQLiteStore) MarkRevoked(ctx context.Context, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL", at, deviceID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Either already revoked or unknown.
	dev, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context, orgID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, hostname, token_hash, created_at, revoked_at
		 FROM devices WHERE org_id = ? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

// --- Admin keys ---

func (s *SQLiteStore) InsertAdminKey(ctx context.Context, key *AdminKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO admin_keys (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)",
		key.ID, key.Name, key.KeyHash, key.CreatedAt)
	return err
}

func (s *SQLiteStore) ListAdminKeys(ctx context.Context) ([]AdminKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, key_hash, created_at FROM admin_keys WHERE revoked_at IS NULL ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []AdminKey
	for rows.Next() {
		var k AdminKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, action, device_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.OrgID, event.Action, event.DeviceID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, orgID string, limit int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, action, device_id, detail, created_at
		 FROM audit_events WHERE org_id = ? ORDER BY created_at DESC LIMIT ?`,
		orgID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Action, &e.DeviceID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var revoked sql.NullTime
	err := row.Scan(&d.ID, &d.OrgID, &d.Hostname, &d.TokenHash, &d.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		t := revoked.Time
		d.RevokedAt = &t
	}
	return &d, nil
}
