// Package api is the thin HTTP surface over the kernel: mission intake,
// SSE subscriptions, approvals, chain verification, run projections and
// registry management. Handlers are plain net/http; heavier transports
// stay outside the kernel.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/audit"
	"github.com/Creativityliberty/Os-frame/pkg/ratelimit"
	"github.com/Creativityliberty/Os-frame/pkg/registry"
	"github.com/Creativityliberty/Os-frame/pkg/store"
	"github.com/Creativityliberty/Os-frame/pkg/stream"
)

// Config tunes the HTTP surface.
type Config struct {
	// JWTSecret enables token verification; empty disables auth (dev).
	JWTSecret string
	// HeartbeatInterval paces SSE keep-alive comments.
	HeartbeatInterval time.Duration
	// RequestsPerSecond / Burst are not read by NewServer; the per-client
	// limiter takes its rate and burst from NewClientLimiter's arguments.
	RequestsPerSecond int
	Burst             int
}

// Server wires the kernel subsystems behind HTTP routes.
type Server struct {
	mux      *http.ServeMux
	store    store.Store
	loader   *registry.Loader
	streamer *stream.Streamer
	limiter  ratelimit.Limiter
	audit    audit.Logger
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
}

// NewServer registers all routes.
func NewServer(st store.Store, loader *registry.Loader, streamer *stream.Streamer, limiter ratelimit.Limiter, auditLog audit.Logger, cfg Config, logger *slog.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:      http.NewServeMux(),
		store:    st,
		loader:   loader,
		streamer: streamer,
		limiter:  limiter,
		audit:    auditLog,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /missions", s.withAuth(s.handleMissionSubmit))

	s.mux.HandleFunc("GET /runs", s.withAuth(s.handleListRuns))
	s.mux.HandleFunc("GET /runs/{run_id}/subscribe", s.withAuth(s.handleSubscribe))
	s.mux.HandleFunc("GET /runs/{run_id}/events", s.withAuth(s.handleEvents))
	s.mux.HandleFunc("GET /runs/{run_id}/verify", s.withAuth(s.handleVerify))
	s.mux.HandleFunc("GET /runs/{run_id}/export", s.withAuth(s.handleExport))
	s.mux.HandleFunc("PATCH /runs/{run_id}", s.withAuth(s.handlePatchRun))
	s.mux.HandleFunc("POST /runs/{run_id}/approve", s.withAuth(s.handleApprove))
	s.mux.HandleFunc("POST /runs/{run_id}/cancel", s.withAuth(s.handleCancel))

	s.mux.HandleFunc("GET /registry", s.withAuth(s.handleRegistryGet))
	s.mux.HandleFunc("PUT /registry", s.withAuth(s.handleRegistryPut))
	s.mux.HandleFunc("GET /registry/effective", s.withAuth(s.handleRegistryEffective))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
