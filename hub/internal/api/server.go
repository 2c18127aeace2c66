// Package api provides the HTTP surface of the hub: health probes, the
// WebSocket endpoint and the admin API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/registry"
	"github.com/amurg-ai/relay/hub/internal/store"
)

// AdminService performs admin operations. Every method receives the admin
// key presented by the caller and must reject it with auth.ErrUnauthorized
// before doing anything else.
type AdminService interface {
	ProvisionDevice(ctx context.Context, adminKey, orgID, hostname string) (*store.Device, string, error)
	RevokeDevice(ctx context.Context, adminKey, deviceID string) (*store.Device, int, error)
	IssueDashboardToken(ctx context.Context, adminKey, orgID string, ttl time.Duration) (string, time.Time, error)
	ListDevices(ctx context.Context, adminKey, orgID string) ([]store.Device, error)
	CreateAdminKey(ctx context.Context, adminKey, name string) (*store.AdminKey, string, error)
	ListAuditEvents(ctx context.Context, adminKey, orgID string, limit int) ([]store.AuditEvent, error)
	Stats(ctx context.Context, adminKey string) ([]registry.PartitionStats, error)
}

// Request and response bodies of the admin API.
type (
	ProvisionRequest struct {
		OrgID    string `json:"org_id"`
		Hostname string `json:"hostname"`
	}
	ProvisionResponse struct {
		Device *store.Device `json:"device"`
		Token  string        `json:"token"`
	}
	RevokeResponse struct {
		Device  *store.Device `json:"device"`
		Evicted int           `json:"evicted"`
	}
	DashboardTokenRequest struct {
		OrgID      string `json:"org_id"`
		TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	}
	DashboardTokenResponse struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	AdminKeyRequest struct {
		Name string `json:"name"`
	}
	AdminKeyResponse struct {
		Key    *store.AdminKey `json:"key"`
		Secret string          `json:"secret"`
	}
	StatsResponse struct {
		Total      int                       `json:"total"`
		Partitions []registry.PartitionStats `json:"partitions"`
		Uptime     string                    `json:"uptime"`
	}
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	admin        AdminService
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server. ws serves the WebSocket endpoint and
// handles its own authentication.
func NewServer(s store.Store, admin AdminService, ws http.Handler, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		admin:        admin,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Method(http.MethodGet, "/ws", ws)

	mux.Route("/api/admin", func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))
		r.Use(adminKeyMiddleware)

		r.Post("/devices", srv.handleProvisionDevice)
		r.Get("/devices", srv.handleListDevices)
		r.Delete("/devices/{deviceID}", srv.handleRevokeDevice)
		r.Post("/dashboard-tokens", srv.handleIssueDashboardToken)
		r.Post("/keys", srv.handleCreateAdminKey)
		r.Get("/audit", srv.handleListAuditEvents)
		r.Get("/stats", srv.handleStats)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter state.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Admin ---

func (s *Server) handleProvisionDevice(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	dev, raw, err := s.admin.ProvisionDevice(r.Context(), adminKeyFromContext(r.Context()), req.OrgID, req.Hostname)
	if err != nil {
		s.writeServiceError(w, "provision device", err)
		return
	}
	writeJSON(w, http.StatusCreated, ProvisionResponse{Device: dev, Token: raw})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.admin.ListDevices(r.Context(), adminKeyFromContext(r.Context()), r.URL.Query().Get("org"))
	if err != nil {
		s.writeServiceError(w, "list devices", err)
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	dev, evicted, err := s.admin.RevokeDevice(r.Context(), adminKeyFromContext(r.Context()), deviceID)
	if err != nil {
		s.writeServiceError(w, "revoke device", err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeResponse{Device: dev, Evicted: evicted})
}

func (s *Server) handleIssueDashboardToken(w http.ResponseWriter, r *http.Request) {
	var req DashboardTokenRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	if req.TTLSeconds > math.MaxInt64/int64(time.Second) {
		writeError(w, http.StatusBadRequest, "ttl_seconds is too large")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	tok, exp, err := s.admin.IssueDashboardToken(r.Context(), adminKeyFromContext(r.Context()), req.OrgID, ttl)
	if err != nil {
		s.writeServiceError(w, "issue dashboard token", err)
		return
	}
	writeJSON(w, http.StatusCreated, DashboardTokenResponse{Token: tok, ExpiresAt: exp})
}

func (s *Server) handleCreateAdminKey(w http.ResponseWriter, r *http.Request) {
	var req AdminKeyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	key, raw, err := s.admin.CreateAdminKey(r.Context(), adminKeyFromContext(r.Context()), req.Name)
	if err != nil {
		s.writeServiceError(w, "create admin key", err)
		return
	}
	writeJSON(w, http.StatusCreated, AdminKeyResponse{Key: key, Secret: raw})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.admin.ListAuditEvents(r.Context(), adminKeyFromContext(r.Context()), r.URL.Query().Get("org"), limit)
	if err != nil {
		s.writeServiceError(w, "list audit events", err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	parts, err := s.admin.Stats(r.Context(), adminKeyFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, "stats", err)
		return
	}
	total := 0
	for _, p := range parts {
		total += p.Connections
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Total:      total,
		Partitions: parts,
		Uptime:     time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// --- Helpers ---

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps admin service errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
