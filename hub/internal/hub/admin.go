package hub

import (
	"context"
	"errors"
	"time"

	"github.com/amurg-ai/relay/hub/internal/audit"
	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/registry"
	"github.com/amurg-ai/relay/hub/internal/store"
)

// Every admin operation checks the admin key before it touches the auth
// service or the store.

func (h *Hub) authorize(ctx context.Context, adminKey, op string) error {
	err := h.auth.VerifyAdminKey(ctx, adminKey)
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		h.audit.Record(ctx, "", audit.ActionAdminDenied, "", map[string]string{"op": op})
		h.logger.Warn("admin request denied", "op", op)
	}
	return err
}

// ProvisionDevice creates a device credential for orgID. The raw token is
// returned once.
func (h *Hub) ProvisionDevice(ctx context.Context, adminKey, orgID, hostname string) (*store.Device, string, error) {
	if err := h.authorize(ctx, adminKey, "provision"); err != nil {
		return nil, "", err
	}
	dev, raw, err := h.auth.Provision(ctx, orgID, hostname)
	if err != nil {
		return nil, "", err
	}
	h.audit.Record(ctx, dev.OrgID, audit.ActionDeviceProvision, dev.ID, map[string]string{"hostname": dev.Hostname})
	h.logger.Info("device provisioned", "device_id", dev.ID, "org_id", dev.OrgID, "hostname", dev.Hostname)
	return dev, raw, nil
}

// RevokeDevice revokes a device and closes its live connections. It returns
// the number of connections evicted.
func (h *Hub) RevokeDevice(ctx context.Context, adminKey, deviceID string) (*store.Device, int, error) {
	if err := h.authorize(ctx, adminKey, "revoke"); err != nil {
		return nil, 0, err
	}
	dev, err := h.auth.Revoke(ctx, deviceID)
	if err != nil {
		return nil, 0, err
	}
	evicted := h.registry.EvictDevice(dev.ID)
	h.audit.Record(ctx, dev.OrgID, audit.ActionDeviceRevoke, dev.ID, map[string]int{"evicted": evicted})
	h.logger.Info("device revoked", "device_id", dev.ID, "org_id", dev.OrgID, "evicted", evicted)
	return dev, evicted, nil
}

// IssueDashboardToken signs a dashboard token for orgID. A zero ttl uses the
// configured default.
func (h *Hub) IssueDashboardToken(ctx context.Context, adminKey, orgID string, ttl time.Duration) (string, time.Time, error) {
	if err := h.authorize(ctx, adminKey, "dashboard_token"); err != nil {
		return "", time.Time{}, err
	}
	tok, exp, err := h.auth.IssueDashboardToken(orgID, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	h.audit.Record(ctx, orgID, audit.ActionDashboardToken, "", map[string]string{"expires_at": exp.UTC().Format(time.RFC3339)})
	return tok, exp, nil
}

// ListDevices returns the devices of orgID, revoked ones included.
func (h *Hub) ListDevices(ctx context.Context, adminKey, orgID string) ([]store.Device, error) {
	if err := h.authorize(ctx, adminKey, "list_devices"); err != nil {
		return nil, err
	}
	return h.auth.ListDevices(ctx, orgID)
}

// CreateAdminKey stores a new named admin key and returns it in the clear.
func (h *Hub) CreateAdminKey(ctx context.Context, adminKey, name string) (*store.AdminKey, string, error) {
	if err := h.authorize(ctx, adminKey, "create_admin_key"); err != nil {
		return nil, "", err
	}
	key, raw, err := h.auth.CreateAdminKey(ctx, name)
	if err != nil {
		return nil, "", err
	}
	h.audit.Record(ctx, "", audit.ActionAdminKeyCreate, "", map[string]string{"name": key.Name, "key_id": key.ID})
	return key, raw, nil
}

// ListAuditEvents returns recent audit events for orgID, newest first.
func (h *Hub) ListAuditEvents(ctx context.Context, adminKey, orgID string, limit int) ([]store.AuditEvent, error) {
	if err := h.authorize(ctx, adminKey, "list_audit"); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return h.store.ListAuditEvents(ctx, orgID, limit)
}

// Stats returns live connection counts per (org, role).
func (h *Hub) Stats(ctx context.Context, adminKey string) ([]registry.PartitionStats, error) {
	if err := h.authorize(ctx, adminKey, "stats"); err != nil {
		return nil, err
	}
	return h.registry.Stats(), nil
}
