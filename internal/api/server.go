package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fieldline/fieldline/internal/audit"
	"github.com/fieldline/fieldline/internal/models"
	"github.com/fieldline/fieldline/internal/store"
	syncengine "github.com/fieldline/fieldline/internal/sync"
)

// Server is the HTTP API server for the fieldline sync engine.
type Server struct {
	config      Config
	http        *http.Server
	store       *store.Store
	audit       *audit.Logger
	orch        *syncengine.Orchestrator
	clock       syncengine.Clock
	metrics     *Metrics
	rateLimiter *RateLimiter
	cancel      context.CancelFunc
}

// NewServer wires the store, audit logger and orchestrator behind the
// HTTP surface.
func NewServer(cfg Config, st *store.Store) (*Server, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	metrics := NewMetrics()

	auditLog, err := audit.NewLogger(st.DB(), metrics.RecordAuditFailure)
	if err != nil {
		return nil, fmt.Errorf("init audit logger: %w", err)
	}

	clock := syncengine.NewClock(loc)
	s := &Server{
		config:  cfg,
		store:   st,
		audit:   auditLog,
		clock:   clock,
		metrics: metrics,
		orch: syncengine.NewOrchestrator(st, auditLog, clock, syncengine.Config{
			Tolerance: cfg.RoundingTolerance,
			OpTimeout: cfg.OpTimeout,
			DedupTTL:  cfg.DedupTTL,
		}),
		rateLimiter: NewRateLimiter(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	// Periodically prune expired idempotency keys
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("dedup prune panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.PruneDedup(ctx, s.clock.Now())
				if err != nil {
					slog.Error("prune dedup keys", "err", err)
				} else if n > 0 {
					slog.Info("pruned dedup keys", "count", n)
				}
			}
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /v1/sync/push", s.requireAuth(models.RoleTechnician, s.withRateLimit(s.handleSyncPush, s.config.RateLimitPush)))
	mux.HandleFunc("GET /v1/sync/pull", s.requireAuth(models.RoleTechnician, s.withRateLimit(s.handleSyncPull, s.config.RateLimitPull)))
	mux.HandleFunc("GET /v1/sync/status", s.requireAuth(models.RoleTechnician, s.withRateLimit(s.handleSyncStatus, s.config.RateLimitOther)))

	mux.HandleFunc("GET /v1/audit", s.requireAuth(models.RoleDispatcher, s.withRateLimit(s.handleAuditTail, s.config.RateLimitOther)))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(10<<20))
}

// handleHealth returns a health check response, pinging the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
