// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to each component.
// Components never read the environment themselves.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	LeaseDuration      time.Duration `env:"LEASE_DURATION"       envDefault:"5m"`
	DefaultMaxAttempts int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase        time.Duration `env:"BACKOFF_BASE"         envDefault:"30s"`
	BackoffMax         time.Duration `env:"BACKOFF_MAX"          envDefault:"1h"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	PollInterval           time.Duration `env:"POLL_INTERVAL"            envDefault:"2s"`
	OpsListenAddr          string        `env:"OPS_LISTEN_ADDR"          envDefault:":9090"`
	ShutdownTimeoutSeconds int           `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Reaper ───────────────────────────────────────────────────────────────────
	ReapInterval   time.Duration `env:"REAP_INTERVAL"   envDefault:"1m"`
	StuckThreshold time.Duration `env:"STUCK_THRESHOLD" envDefault:"10m"`
	ReapBatchSize  int           `env:"REAP_BATCH_SIZE" envDefault:"100"`

	// ── Health ───────────────────────────────────────────────────────────────────
	HeartbeatStale   time.Duration `env:"HEARTBEAT_STALE_THRESHOLD"   envDefault:"5m"`
	HeartbeatOffline time.Duration `env:"HEARTBEAT_OFFLINE_THRESHOLD" envDefault:"15m"`
	StuckAgeCritical time.Duration `env:"STUCK_AGE_CRITICAL"          envDefault:"30m"`
	// ErrorRateWarnPct is the percentage of failed-vs-finished jobs over the
	// last hour above which the sentinel reports a warning.
	ErrorRateWarnPct float64       `env:"ERROR_RATE_WARN_PCT" envDefault:"25"`
	AlertDebounce    time.Duration `env:"ALERT_DEBOUNCE"      envDefault:"1h"`

	// ── Alerting ─────────────────────────────────────────────────────────────────
	AlertWebhookURL    string `env:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `env:"ALERT_WEBHOOK_SECRET"`
	// AlertWebhookRPS caps outbound alert posts; all checks share one limiter.
	AlertWebhookRPS float64 `env:"ALERT_WEBHOOK_RPS" envDefault:"1"`

	// ── Circuit breaker ──────────────────────────────────────────────────────────
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"3"`
	BreakerWindow    time.Duration `env:"BREAKER_WINDOW"    envDefault:"10m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
