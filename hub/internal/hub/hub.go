// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/hub/internal/api"
	"github.com/amurg-ai/relay/hub/internal/audit"
	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/metrics"
	"github.com/amurg-ai/relay/hub/internal/registry"
	"github.com/amurg-ai/relay/hub/internal/router"
	"github.com/amurg-ai/relay/hub/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	auth     *auth.Service
	registry *registry.Registry
	router   *router.Router
	audit    *audit.Recorder
	metrics  *metrics.Metrics
	provider *metrics.Provider
	api      *api.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	pingInterval time.Duration
	pongWait     time.Duration

	// beforeAdmit runs after a successful handshake, just before the
	// connection is registered. Nil outside tests.
	beforeAdmit func(*auth.Identity)
}

// Option configures a Hub.
type Option func(*Hub)

// WithAuthOptions passes options through to the auth service.
func WithAuthOptions(opts ...auth.Option) Option {
	return func(h *Hub) {
		h.auth = auth.NewService(h.store, h.cfg.Auth, opts...)
	}
}

// WithKeepalive overrides the ping interval and pong deadline.
func WithKeepalive(ping, pong time.Duration) Option {
	return func(h *Hub) {
		h.pingInterval = ping
		h.pongWait = pong
	}
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	provider, err := metrics.NewProvider(context.Background(), cfg.Metrics)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init metrics provider: %w", err)
	}
	m, err := metrics.New(provider.MeterProvider)
	if err != nil {
		_ = db.Close()
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	var pub audit.Publisher
	if kp := audit.NewKafkaPublisher(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, logger); kp != nil {
		pub = kp
		logger.Info("audit events published to kafka", "topic", cfg.Audit.KafkaTopic)
	}

	reg := registry.New()
	h := &Hub{
		cfg:          cfg,
		store:        db,
		auth:         auth.NewService(db, cfg.Auth),
		registry:     reg,
		router:       router.New(reg, m, logger),
		audit:        audit.NewRecorder(db, pub, logger),
		metrics:      m,
		provider:     provider,
		upgrader:     makeUpgrader(cfg.Server.AllowedOrigins),
		logger:       logger.With("component", "hub"),
		now:          time.Now,
		pingInterval: wsPingInterval,
		pongWait:     wsPongWait,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.api = api.NewServer(db, h, http.HandlerFunc(h.ServeWS), cfg, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Registry exposes the live connection registry.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.api.StartBackgroundTasks(ctx)

	if h.cfg.Storage.AuditRetention > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.AuditRetention)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown.
		h.registry.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases the store, the audit publisher and the metrics provider.
// Live connections are closed first.
func (h *Hub) Close() {
	h.registry.CloseAll()
	if err := h.audit.Close(); err != nil {
		h.logger.Warn("close audit publisher", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.provider.Shutdown(ctx); err != nil {
		h.logger.Warn("shutdown metrics provider", "error", err)
	}
	h.logger.Info("closing store")
	_ = h.store.Close()
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purgeAuditEvents(ctx, retention)
		}
	}
}

func (h *Hub) purgeAuditEvents(ctx context.Context, retention time.Duration) {
	cutoff := h.now().Add(-retention)
	if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
