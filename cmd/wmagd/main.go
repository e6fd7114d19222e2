// Command wmagd runs the WMAG kernel: HTTP surface, worker pool and the
// configured persistence backend in one process.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/Creativityliberty/Os-frame/pkg/adapters"
	"github.com/Creativityliberty/Os-frame/pkg/api"
	"github.com/Creativityliberty/Os-frame/pkg/audit"
	"github.com/Creativityliberty/Os-frame/pkg/config"
	"github.com/Creativityliberty/Os-frame/pkg/executor"
	"github.com/Creativityliberty/Os-frame/pkg/hashchain"
	"github.com/Creativityliberty/Os-frame/pkg/observability"
	"github.com/Creativityliberty/Os-frame/pkg/pipeline"
	"github.com/Creativityliberty/Os-frame/pkg/ratelimit"
	"github.com/Creativityliberty/Os-frame/pkg/registry"
	"github.com/Creativityliberty/Os-frame/pkg/store"
	"github.com/Creativityliberty/Os-frame/pkg/stream"
	"github.com/Creativityliberty/Os-frame/pkg/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := loadKeys(cfg)
	if err != nil {
		logger.Error("audit key configuration invalid", "error", err)
		os.Exit(1)
	}
	chain := hashchain.New(keys)

	var (
		st       store.Store
		auditLog audit.Logger
	)
	if cfg.UsePostgres {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("database open failed", "error", err)
			os.Exit(1)
		}
		if err := store.Migrate(ctx, db); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		pg := store.NewPostgres(db, chain)
		st = pg
		auditLog = audit.NewStoreLogger(db)
		go store.NewMVRefresher(db, cfg.MVRefreshInterval, cfg.MVRefreshMaxBackoff, logger).Run(ctx)
	} else {
		st = store.NewMemory(chain)
		auditLog = audit.NewLogger()
		logger.Warn("running with the ephemeral store; state is lost on exit")
	}
	defer func() { _ = st.Close() }()

	// Mirror the resident keys into the audit_keys table so operators can
	// see which kids historical chains depend on.
	for _, key := range keys.Keys() {
		if err := st.SaveAuditKey(ctx, key); err != nil {
			logger.Warn("audit key persistence failed", "kid", key.KID, "error", err)
		}
	}

	loader, err := loadRegistry(cfg)
	if err != nil {
		logger.Error("registry load failed", "error", err)
		os.Exit(1)
	}

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiter(cfg.RedisAddr, "", 0, cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NewStoreLimiter(st, cfg.RateLimitWindow)
	}

	otelProvider, err := observability.Setup(ctx, observability.Config{
		ServiceName:  "wmag-kernel",
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	streamer := stream.New(st, stream.DefaultWatermark, logger)
	exec := executor.New(st, adapters.NewScriptedTool(), cfg.StepParallelism, logger)
	pipe := pipeline.New(st, loader,
		adapters.EchoPlanner{ActionID: "echo"},
		adapters.StaticContext{},
		exec, streamer,
		pipeline.Config{
			SnapshotEvery:   cfg.SnapshotEvery,
			ApprovalTimeout: cfg.ApprovalTimeout,
		}, logger)

	pool := worker.New(st, pipe, worker.Config{
		Workers:              cfg.Workers,
		TenantMaxConcurrency: cfg.TenantMaxConcurrency,
	}, logger)
	go pool.Start(ctx)

	server := api.NewServer(st, loader, streamer, limiter, auditLog, api.Config{
		JWTSecret:         cfg.JWTSecret,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewClientLimiter(0, 0).Wrap(server),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("kernel listening", "port", cfg.Port, "postgres", cfg.UsePostgres)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadKeys(cfg *config.Config) (*hashchain.KeyRegistry, error) {
	if cfg.AuditKeysJSON != "" {
		return hashchain.ParseKeysJSON(cfg.AuditKeysJSON)
	}
	if cfg.AuditSecret != "" {
		return hashchain.FromSecret(cfg.AuditSecret)
	}
	// Dev fallback: chains signed with this key do not survive restarts
	// meaningfully; real deployments must configure AUDIT_KEYS_JSON.
	slog.Warn("no audit secret configured, using an insecure dev key")
	return hashchain.FromSecret("insecure-dev-secret")
}

func loadRegistry(cfg *config.Config) (*registry.Loader, error) {
	if cfg.RegistryPath != "" {
		return registry.NewLoader(cfg.RegistryPath, cfg.RegistryLayersDir)
	}
	// Dev registry: one echo action so missions complete end to end.
	return registry.NewLoaderFromDocument(map[string]any{
		"tools": []any{
			map[string]any{"tool_id": "echo", "transport": "in-process"},
		},
		"actions": []any{
			map[string]any{"action_id": "echo", "tool_id": "echo"},
		},
		"limits": map[string]any{
			"budget": map[string]any{"tool_calls": 100, "llm_calls": 50, "cost_units": 1000},
			"rpm":    map[string]any{"tenant": 600, "user": 120},
		},
	})
}
