// Package store defines the credential storage interface for the hub and
// provides SQLite and PostgreSQL implementations.
//
// Only token hashes are ever stored or looked up; raw device tokens never
// reach this package.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an operation references a record that does
// not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the hub.
type Store interface {
	// Devices
	InsertDevice(ctx context.Context, dev *Device) (*Device, error)
	GetDevice(ctx context.Context, id string) (*Device, error)
	FindDeviceByTokenHash(ctx context.Context, hash string) (*Device, error)
	MarkRevoked(ctx context.Context, deviceID string, at time.Time) error
	ListDevices(ctx context.Context, orgID string) ([]Device, error)

	// Admin keys
	InsertAdminKey(ctx context.Context, key *AdminKey) error
	ListAdminKeys(ctx context.Context) ([]AdminKey, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, orgID string, limit int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Device is a provisioned agent identity.
type Device struct {
	ID        string     `json:"device_id"`
	OrgID     string     `json:"org_id"`
	Hostname  string     `json:"hostname"`
	TokenHash string     `json:"-"` // sha256 hex of the raw token
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the device credential has been revoked.
func (d *Device) Revoked() bool {
	return d.RevokedAt != nil
}

// AdminKey is an additional named key accepted by the admin surface.
type AdminKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"` // bcrypt
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Action    string          `json:"action"`
	DeviceID  string          `json:"device_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
