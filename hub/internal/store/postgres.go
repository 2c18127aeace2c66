package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and applies pending migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	if err := Migrate(dsn, "up"); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Devices ---

func (s *PostgresStore) InsertDevice(ctx context.Context, dev *Device) (*Device, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO devices (id, org_id, hostname, token_hash, created_at) VALUES ($1, $2, $3, $4, $5)",
		dev.ID, dev.OrgID, dev.Hostname, dev.TokenHash, dev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	out := *dev
	return &out, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, hostname, token_hash, created_at, revoked_at FROM devices WHERE id = $1", id)
	return scanDevice(row)
}

func (s *PostgresStore) FindDeviceByTokenHash(ctx context.Context, hash string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, hostname, token_hash, created_at, revoked_at FROM devices WHERE token_hash = $1", hash)
	return scanDevice(row)
}

func (s *PostgresStore) MarkRevoked(ctx context.Context, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL", at, deviceID)
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
	dev, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, orgID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, hostname, token_hash, created_at, revoked_at
		 FROM devices WHERE org_id = $1 ORDER BY created_at, id`, orgID)
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

func (s *PostgresStore) InsertAdminKey(ctx context.Context, key *AdminKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO admin_keys (id, name, key_hash, created_at) VALUES ($1, $2, $3, $4)",
		key.ID, key.Name, key.KeyHash, key.CreatedAt)
	return err
}

func (s *PostgresStore) ListAdminKeys(ctx context.Context) ([]AdminKey, error) {
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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	var detail any
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, action, device_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.OrgID, event.Action, event.DeviceID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, orgID string, limit int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, action, device_id, COALESCE(detail::text, ''), created_at
		 FROM audit_events WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`,
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
