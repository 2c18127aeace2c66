// Package router decides where inbound hub messages go.
//
// The rule is fixed: dashboard messages go to agents and agent messages go
// to dashboards, always within the sender's organization.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/amurg-ai/relay/hub/internal/metrics"
	"github.com/amurg-ai/relay/hub/internal/registry"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// ErrMalformedMessage is returned by Decode for frames that cannot be routed.
var ErrMalformedMessage = errors.New("malformed message")

// Router fans messages out through a connection registry.
type Router struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a router over reg. m may be nil.
func New(reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		registry: reg,
		metrics:  m,
		logger:   logger.With("component", "router"),
	}
}

// Decode parses an inbound frame. Frames that are not a JSON object, have
// no type, use a hub-only type, or carry an invalid payload for a known
// type yield ErrMalformedMessage. Unknown types are accepted unchanged.
func Decode(raw []byte) (protocol.Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return protocol.Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformedMessage)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return protocol.Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if protocol.HubOnly(env.Type) {
		return protocol.Envelope{}, fmt.Errorf("%w: %s is reserved for the hub", ErrMalformedMessage, env.Type)
	}
	if err := protocol.Validate(env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return env, nil
}

// Route delivers env to every connection of the opposite role in orgID and
// returns how many accepted it. The envelope is forwarded as given; callers
// stamp ts beforehand.
func (r *Router) Route(ctx context.Context, orgID, senderRole string, env protocol.Envelope) int {
	target := protocol.OppositeRole(senderRole)
	if target == "" || orgID == "" {
		r.logger.Warn("route: unroutable sender", "org_id", orgID, "role", senderRole)
		return 0
	}

	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("route: marshal envelope failed", "type", env.Type, "error", err)
		return 0
	}

	sent := r.registry.Broadcast(orgID, target, data)
	r.metrics.Routed(ctx, senderRole, sent)
	r.logger.Debug("routed message",
		"org_id", orgID, "from", senderRole, "to", target,
		"type", env.Type, "id", env.ID, "delivered", sent)
	return sent
}
