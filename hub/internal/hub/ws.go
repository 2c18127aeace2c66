package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/hub/internal/audit"
	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/router"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // agents and CLI tools
			}
			return originSet[origin]
		},
	}
}

// credentialFromRequest reads the bearer credential from the Authorization
// header, falling back to the token query parameter for browsers that
// cannot set headers on a WebSocket handshake.
func credentialFromRequest(req *http.Request) string {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return req.URL.Query().Get("token")
}

// ServeWS runs one connection through its lifecycle:
// Connecting, Authenticating, Admitted, Closed. The credential is checked
// before the upgrade, so a rejected peer gets a plain HTTP error and never
// reaches the registry.
func (h *Hub) ServeWS(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()
	role := q.Get("role")
	orgID := q.Get("org")
	credential := credentialFromRequest(req)

	log := h.logger.With("role", role, "org_id", orgID, "remote", req.RemoteAddr)
	log.Debug("connection state", "state", StateAuthenticating)

	identity, err := h.auth.AuthenticateOnConnect(ctx, role, orgID, credential)
	if err != nil {
		reason := "invalid_token"
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrRevoked) {
			reason = "revoked"
			status = http.StatusForbidden
		} else if !errors.Is(err, auth.ErrInvalidToken) {
			log.Error("authentication failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.metrics.AuthFailed(ctx, role, reason)
		h.audit.Record(ctx, orgID, audit.ActionConnReject, "", map[string]string{
			"role":   role,
			"reason": reason,
			"remote": req.RemoteAddr,
		})
		log.Info("connection rejected", "reason", reason, "state", StateClosed)
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(h.cfg.Server.MaxMessageBytes)

	conn := newWSConn(ws, uuid.New().String(), identity.OrgID, identity.Role, identity.DeviceID,
		h.cfg.Server.SendQueueSize, h.logger.With("component", "conn"))
	if h.beforeAdmit != nil {
		h.beforeAdmit(identity)
	}
	h.admit(ctx, conn)
	defer h.release(conn)

	// A revoke that ran between authentication and admission found nothing
	// to evict. Either it is visible in the store now or its eviction runs
	// after registry.Add and finds this connection.
	if h.revokedSinceAuth(ctx, conn) {
		log.Info("device revoked during admission", "device_id", conn.deviceID)
		return
	}

	go conn.writePump(h.pingInterval)
	conn.startReadDeadline(h.pongWait)
	h.readLoop(conn)
}

func (h *Hub) revokedSinceAuth(ctx context.Context, c *wsConn) bool {
	if c.deviceID == "" {
		return false
	}
	dev, err := h.store.GetDevice(ctx, c.deviceID)
	if err != nil {
		h.logger.Warn("re-check device after admission", "device_id", c.deviceID, "error", err)
		return errors.Is(err, store.ErrNotFound)
	}
	return dev.Revoked()
}

// admit queues the hub_hello frame and then registers the connection, so the
// hello is always the first frame the peer receives.
func (h *Hub) admit(ctx context.Context, c *wsConn) {
	hello, err := protocol.NewEnvelope(protocol.TypeHubHello, "", protocol.HubHello{
		Role:   c.role,
		OrgID:  c.orgID,
		ConnID: c.id,
	})
	if err == nil {
		hello.Stamp(h.now())
		if data, err := json.Marshal(hello); err == nil {
			_ = c.Send(data)
		}
	}

	h.registry.Add(c.orgID, c.role, c)
	h.metrics.ConnOpened(ctx, c.role)
	h.audit.Record(ctx, c.orgID, audit.ActionConnAdmit, c.deviceID, map[string]string{
		"role":    c.role,
		"conn_id": c.id,
	})
	h.logger.Info("connection admitted",
		"conn_id", c.id, "role", c.role, "org_id", c.orgID, "device_id", c.deviceID)
}

// release runs the Closed transition. The request context is already done
// here, so metrics and audit use a background context.
func (h *Hub) release(c *wsConn) {
	ctx := context.Background()
	h.registry.Remove(c.orgID, c.role, c)
	_ = c.Close()
	h.metrics.ConnClosed(ctx, c.role)
	h.audit.Record(ctx, c.orgID, audit.ActionConnClose, c.deviceID, map[string]string{
		"role":    c.role,
		"conn_id": c.id,
	})
	h.logger.Info("connection closed", "conn_id", c.id, "role", c.role, "org_id", c.orgID)
}

func (h *Hub) readLoop(c *wsConn) {
	ctx := context.Background()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read error", "conn_id", c.id, "error", err)
			}
			return
		}

		env, err := router.Decode(raw)
		if err != nil {
			h.metrics.Dropped(ctx, "malformed")
			h.logger.Debug("dropping malformed frame", "conn_id", c.id, "error", err)
			continue
		}
		env.Stamp(h.now())
		h.router.Route(ctx, c.orgID, c.role, env)
	}
}
