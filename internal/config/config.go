// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the tracking
// service's settings: database selection, cache TTLs, push-connection
// retry tuning, partition retention, ingestion limits, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "tracking-core")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the tracking service.
type Config struct {
	// Database
	DBDriver string // postgres|sqlite
	DBDSN    string // PostgreSQL DSN (postgres driver)
	DBPath   string // SQLite path (sqlite driver)

	// Caches
	PositionTTL   time.Duration // current-position entries, e.g. 30s
	TrajectoryTTL time.Duration // trajectory memoization, e.g. 60s

	// Push connection
	PushURL       string        // upstream WebSocket endpoint
	HubMaxRetries int           // consecutive dial failures before FAILED
	HubBaseDelay  time.Duration // first backoff delay
	HubMaxDelay   time.Duration // backoff cap

	// Partition maintenance
	RetentionMonths     int           // history kept, in whole months
	MaintenanceInterval time.Duration // how often the run loop re-checks

	// Ingestion
	IngestRPS   float64 // per-entity samples per second (0 disables)
	IngestBurst int     // per-entity bucket size (>= 1)

	// Logging / metrics
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	MetricsAddr string // Prometheus listen address, empty disables

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Database
		DBDriver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBDSN:    getenv("DB_DSN", ""),
		DBPath:   getenv("DB_PATH", "tracking.db"),

		// Caches
		PositionTTL:   getdur("POSITION_TTL", 30*time.Second),
		TrajectoryTTL: getdur("TRAJECTORY_TTL", 60*time.Second),

		// Push connection
		PushURL:       getenv("PUSH_URL", "ws://localhost:9001/tracking"),
		HubMaxRetries: getint("HUB_MAX_RETRIES", 5),
		HubBaseDelay:  getdur("HUB_BASE_DELAY", time.Second),
		HubMaxDelay:   getdur("HUB_MAX_DELAY", 5*time.Second),

		// Partition maintenance
		RetentionMonths:     getint("RETENTION_MONTHS", 3),
		MaintenanceInterval: getdur("MAINTENANCE_INTERVAL", 24*time.Hour),

		// Ingestion
		IngestRPS:   getfloat("INGEST_RPS", 5.0),
		IngestBurst: getint("INGEST_BURST", 10),

		// Logging / metrics
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		MetricsAddr: getenv("METRICS_ADDR", ":9090"),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "tracking-core"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	// --- validation ---
	switch cfg.DBDriver {
	case "postgres", "sqlite":
	default:
		return cfg, errors.New("DB_DRIVER must be one of: postgres, sqlite")
	}
	if cfg.DBDriver == "postgres" && strings.TrimSpace(cfg.DBDSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty when DB_DRIVER=postgres")
	}
	if cfg.DBDriver == "sqlite" && strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty when DB_DRIVER=sqlite")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if cfg.PositionTTL <= 0 || cfg.TrajectoryTTL <= 0 {
		return cfg, errors.New("cache TTLs must be positive durations")
	}
	if strings.TrimSpace(cfg.PushURL) == "" {
		return cfg, errors.New("PUSH_URL must not be empty")
	}
	if cfg.HubMaxRetries < 1 {
		return cfg, errors.New("HUB_MAX_RETRIES must be >= 1")
	}
	if cfg.HubBaseDelay <= 0 || cfg.HubMaxDelay <= 0 || cfg.HubMaxDelay < cfg.HubBaseDelay {
		return cfg, errors.New("hub backoff delays must be positive and HUB_MAX_DELAY >= HUB_BASE_DELAY")
	}
	if cfg.RetentionMonths < 1 {
		return cfg, errors.New("RETENTION_MONTHS must be >= 1")
	}
	if cfg.MaintenanceInterval <= 0 {
		return cfg, errors.New("MAINTENANCE_INTERVAL must be > 0")
	}
	if cfg.IngestRPS < 0 {
		return cfg, errors.New("INGEST_RPS must be >= 0")
	}
	if cfg.IngestBurst < 1 {
		return cfg, errors.New("INGEST_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
