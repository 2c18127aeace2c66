// Package audit records hub security events to the store and, when
// configured, publishes them to Kafka.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/relay/hub/internal/store"
)

// Audit actions.
const (
	ActionDeviceProvision = "device.provision"
	ActionDeviceRevoke    = "device.revoke"
	ActionDashboardToken  = "dashboard.token"
	ActionAdminKeyCreate  = "admin_key.create"
	ActionAdminDenied     = "admin.denied"
	ActionConnAdmit       = "conn.admit"
	ActionConnReject      = "conn.reject"
	ActionConnClose       = "conn.close"
)

// Publisher forwards audit events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, event *store.AuditEvent) error
	Close() error
}

// Recorder persists audit events. Failures are logged and never surfaced to
// the operation being audited.
type Recorder struct {
	store  store.Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. pub may be nil.
func NewRecorder(s store.Store, pub Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  s,
		pub:    pub,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Record stores an audit event. detail is marshaled to JSON when non-nil.
func (r *Recorder) Record(ctx context.Context, orgID, action, deviceID string, detail any) {
	event := &store.AuditEvent{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Action:    action,
		DeviceID:  deviceID,
		CreatedAt: r.now(),
	}
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			r.logger.Warn("failed to encode audit detail", "action", action, "error", err)
		} else {
			event.Detail = data
		}
	}

	// The audited request may already be finished; the write must not be
	// canceled with it.
	ctx = context.WithoutCancel(ctx)

	if err := r.store.LogAuditEvent(ctx, event); err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
	if r.pub != nil {
		if err := r.pub.Publish(ctx, event); err != nil {
			r.logger.Warn("failed to publish audit event", "action", action, "error", err)
		}
	}
}

// Close releases the publisher.
func (r *Recorder) Close() error {
	if r.pub == nil {
		return nil
	}
	return r.pub.Close()
}
