// Package config loads kernel configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the kernel process.
type Config struct {
	Port     string
	LogLevel string

	RegistryPath      string
	RegistryLayersDir string

	UsePostgres bool
	DatabaseURL string

	AuditKeysJSON string
	AuditSecret   string

	SnapshotEvery      uint64
	MVRefreshInterval  time.Duration
	MVRefreshMaxBackoff time.Duration

	TenantMaxConcurrency int
	RateLimitWindow      time.Duration
	ApprovalTimeout      time.Duration

	Workers         int
	StepParallelism int

	HeartbeatInterval time.Duration

	RedisAddr string
	JWTSecret string

	OTLPEndpoint string
}

// Load reads the environment, applying the documented defaults.
func Load() *Config {
	return &Config{
		Port:     envString("PORT", "8080"),
		LogLevel: envString("LOG_LEVEL", "INFO"),

		RegistryPath:      os.Getenv("REGISTRY_PATH"),
		RegistryLayersDir: os.Getenv("REGISTRY_LAYERS_DIR"),

		UsePostgres: os.Getenv("USE_POSTGRES") == "true",
		DatabaseURL: envString("DATABASE_URL", "postgres://wmag@localhost:5432/wmag?sslmode=disable"),

		AuditKeysJSON: os.Getenv("AUDIT_KEYS_JSON"),
		AuditSecret:   os.Getenv("AUDIT_SECRET"),

		SnapshotEvery:       envUint("SNAPSHOT_EVERY", 25),
		MVRefreshInterval:   envSeconds("MV_REFRESH_INTERVAL_S", 60),
		MVRefreshMaxBackoff: envSeconds("MV_REFRESH_MAX_BACKOFF_S", 600),

		TenantMaxConcurrency: envInt("TENANT_MAX_CONCURRENCY", 2),
		RateLimitWindow:      envSeconds("RATE_LIMIT_WINDOW_S", 60),
		ApprovalTimeout:      envSeconds("APPROVAL_TIMEOUT_S", 0),

		Workers:         envInt("WORKERS", 4),
		StepParallelism: envInt("STEP_PARALLELISM", 4),

		HeartbeatInterval: envSeconds("HEARTBEAT_INTERVAL_S", 15),

		RedisAddr: os.Getenv("REDIS_ADDR"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
