package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDevice is a helper that inserts a device and returns it.
func createTestDevice(t *testing.T, s Store, orgID, hostname string) *Device {
	t.Helper()
	dev, err := s.InsertDevice(context.Background(), &Device{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Hostname:  hostname,
		TokenHash: "hash-" + uuid.New().String(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("createTestDevice(%s): %v", hostname, err)
	}
	return dev
}

func TestSQLiteStore_InsertAndFindDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev := createTestDevice(t, s, "acme", "host-1")

	got, err := s.FindDeviceByTokenHash(ctx, dev.TokenHash)
	if err != nil {
		t.Fatalf("FindDeviceByTokenHash: %v", err)
	}
	if got == nil {
		t.Fatal("expected device, got nil")
	}
	if got.ID != dev.ID || got.OrgID != "acme" || got.Hostname != "host-1" {
		t.Errorf("unexpected device: %+v", got)
	}
	if got.Revoked() {
		t.Error("new device should not be revoked")
	}

	byID, err := s.GetDevice(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if byID == nil || byID.TokenHash != dev.TokenHash {
		t.Errorf("GetDevice: got %+v", byID)
	}
}

func TestSQLiteStore_FindDevice_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.FindDeviceByTokenHash(ctx, "nope")
	if err != nil {
		t.Fatalf("FindDeviceByTokenHash: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}

	byID, err := s.GetDevice(ctx, "nope")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if byID != nil {
		t.Errorf("expected nil, got %+v", byID)
	}
}

func TestSQLiteStore_TokenHashUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev := createTestDevice(t, s, "acme", "host-1")
	_, err := s.InsertDevice(ctx, &Device{
		ID:        uuid.New().String(),
		OrgID:     "acme",
		Hostname:  "host-2",
		TokenHash: dev.TokenHash,
		CreatedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected duplicate token hash to be rejected")
	}
}

func TestSQLiteStore_MarkRevoked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev := createTestDevice(t, s, "acme", "host-1")
	at := time.Now().Truncate(time.Second)

	if err := s.MarkRevoked(ctx, dev.ID, at); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}

	got, err := s.FindDeviceByTokenHash(ctx, dev.TokenHash)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.Revoked() {
		t.Fatalf("expected revoked device, got %+v", got)
	}
	if !got.RevokedAt.Equal(at) {
		t.Errorf("RevokedAt: got %v, want %v", got.RevokedAt, at)
	}

	// Revoking again keeps the original timestamp.
	if err := s.MarkRevoked(ctx, dev.ID, at.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkRevoked: %v", err)
	}
	again, _ := s.GetDevice(ctx, dev.ID)
	if !again.RevokedAt.Equal(at) {
		t.Errorf("RevokedAt changed on second revoke: got %v", again.RevokedAt)
	}
}

func TestSQLiteStore_MarkRevoked_Unknown(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkRevoked(context.Background(), "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_ListDevices_ScopedToOrg(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestDevice(t, s, "acme", "a-1")
	createTestDevice(t, s, "acme", "a-2")
	createTestDevice(t, s, "globex", "g-1")

	devices, err := s.ListDevices(ctx, "acme")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	for _, d := range devices {
		if d.OrgID != "acme" {
			t.Errorf("device from wrong org: %+v", d)
		}
	}

	empty, err := s.ListDevices(ctx, "initech")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no devices, got %d", len(empty))
	}
}

func TestSQLiteStore_AdminKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"ops", "ci"} {
		err := s.InsertAdminKey(ctx, &AdminKey{
			ID:        uuid.New().String(),
			Name:      name,
			KeyHash:   "bcrypt-" + name,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("InsertAdminKey(%s): %v", name, err)
		}
	}

	keys, err := s.ListAdminKeys(ctx)
	if err != nil {
		t.Fatalf("ListAdminKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}

func TestSQLiteStore_AuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &AuditEvent{
		ID: uuid.New().String(), OrgID: "acme", Action: "device.provision",
		DeviceID: "d1", Detail: json.RawMessage(`{"hostname":"h1"}`),
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	recent := &AuditEvent{
		ID: uuid.New().String(), OrgID: "acme", Action: "device.revoke",
		DeviceID: "d1", CreatedAt: time.Now(),
	}
	other := &AuditEvent{
		ID: uuid.New().String(), OrgID: "globex", Action: "device.provision",
		CreatedAt: time.Now(),
	}
	for _, e := range []*AuditEvent{old, recent, other} {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != "device.revoke" {
		t.Errorf("expected newest first, got %s", events[0].Action)
	}
	if string(events[1].Detail) != `{"hostname":"h1"}` {
		t.Errorf("detail: got %s", events[1].Detail)
	}

	n, err := s.PurgeOldAuditEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("purged: got %d, want 1", n)
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
