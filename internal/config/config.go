package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all configuration for deliveryguard.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	StoreBackend     string `json:"store_backend"`
	DatabaseURL      string `json:"database_url"`
	SQLitePath       string `json:"sqlite_path"`
	RedisAddr        string `json:"redis_addr,omitempty"`
	HTTPAddr         string `json:"http_addr"`
	DefaultClusterID string `json:"default_cluster_id"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	DispatcherWorkers int `json:"dispatcher_workers"`

	// DispatchRateLimit is requests per second per target type. 0 = unlimited.
	DispatchRateLimit    float64 `json:"dispatch_rate_limit"`
	DispatchRateLimitStr string  `json:"-"`
	DispatchRateBurst    int     `json:"dispatch_rate_burst"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	// MetricsPort is the port of the separate metrics listener.
	MetricsPort string `json:"metrics_port,omitempty"`

	ReconcileEnabled  bool   `json:"reconcile_enabled"`
	ReconcileSchedule string `json:"reconcile_schedule"`

	// ReconcileThreshold is the age after which QUEUED and FAILED_RETRYABLE
	// instances count as orphaned.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	// InDoubtMaxDwell applies to definitions created without their own. 0 disables escalation.
	InDoubtMaxDwell    time.Duration `json:"-"`
	InDoubtMaxDwellStr string        `json:"in_doubt_max_dwell"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreBackend:               os.Getenv("STORE_BACKEND"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		SQLitePath:                 os.Getenv("SQLITE_PATH"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		DefaultClusterID:           os.Getenv("DEFAULT_CLUSTER_ID"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DispatcherDrainTimeoutStr:  os.Getenv("DISPATCHER_DRAIN_TIMEOUT"),
		DispatchRateLimitStr:       os.Getenv("DISPATCH_RATE_LIMIT"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		MetricsPort:                os.Getenv("METRICS_PORT"),
		ReconcileEnabled:           os.Getenv("RECONCILE_ENABLED") != "false",
		ReconcileSchedule:          os.Getenv("RECONCILE_SCHEDULE"),
		ReconcileThresholdStr:      os.Getenv("RECONCILE_THRESHOLD"),
		InDoubtMaxDwellStr:         os.Getenv("IN_DOUBT_MAX_DWELL"),
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = BackendPostgres
		}
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "deliveryguard.db"
	}
	if cfg.DefaultClusterID == "" {
		cfg.DefaultClusterID = "default"
	}

	cfg.ReconcileBatchSize = positiveInt("RECONCILE_BATCH_SIZE", 100)
	cfg.EventBusBufferSize = positiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.DispatcherWorkers = positiveInt("DISPATCHER_WORKERS", 4)
	cfg.DBMaxOpenConns = positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = positiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DispatchRateBurst = positiveInt("DISPATCH_RATE_BURST", 10)
	cfg.LeaderLockKey = int64(positiveInt("LEADER_LOCK_KEY", 728380))

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := strconv.Atoi(cbThreshStr); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
			cfg.CircuitBreakerThreshold = 5
		}
	} else {
		cfg.CircuitBreakerThreshold = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = "@every 1m"
	}
	if cfg.DispatchRateLimitStr == "" {
		cfg.DispatchRateLimitStr = "0"
	}

	setDefault(&cfg.DBOpTimeoutStr, "5s")
	setDefault(&cfg.DBConnMaxLifetimeStr, "30m")
	setDefault(&cfg.DBConnMaxIdleTimeStr, "5m")
	setDefault(&cfg.HTTPShutdownTimeoutStr, "10s")
	setDefault(&cfg.DispatcherDrainTimeoutStr, "30s")
	setDefault(&cfg.CircuitBreakerCooldownStr, "2m")
	setDefault(&cfg.ReconcileThresholdStr, "10m")
	setDefault(&cfg.InDoubtMaxDwellStr, "1h")
	setDefault(&cfg.LeaderRetryIntervalStr, "5s")
	setDefault(&cfg.LeaderHeartbeatIntervalStr, "2s")

	// Parse values; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(*d.raw); err == nil {
			*d.dst = v
		}
	}
	if v, err := strconv.ParseFloat(cfg.DispatchRateLimitStr, 64); err == nil {
		cfg.DispatchRateLimit = v
	}

	return cfg
}

// durationField ties an env var to its raw and parsed values.
type durationField struct {
	env string
	raw *string
	dst *time.Duration

	// allowZero accepts "0" for settings where zero disables a feature.
	allowZero bool
}

func (c *Config) durations() []durationField {
	return []durationField{
		{env: "DB_OP_TIMEOUT", raw: &c.DBOpTimeoutStr, dst: &c.DBOpTimeout},
		{env: "DB_CONN_MAX_LIFETIME", raw: &c.DBConnMaxLifetimeStr, dst: &c.DBConnMaxLifetime},
		{env: "DB_CONN_MAX_IDLE_TIME", raw: &c.DBConnMaxIdleTimeStr, dst: &c.DBConnMaxIdleTime},
		{env: "HTTP_SHUTDOWN_TIMEOUT", raw: &c.HTTPShutdownTimeoutStr, dst: &c.HTTPShutdownTimeout},
		{env: "DISPATCHER_DRAIN_TIMEOUT", raw: &c.DispatcherDrainTimeoutStr, dst: &c.DispatcherDrainTimeout},
		{env: "CIRCUIT_BREAKER_COOLDOWN", raw: &c.CircuitBreakerCooldownStr, dst: &c.CircuitBreakerCooldown},
		{env: "RECONCILE_THRESHOLD", raw: &c.ReconcileThresholdStr, dst: &c.ReconcileThreshold},
		{env: "IN_DOUBT_MAX_DWELL", raw: &c.InDoubtMaxDwellStr, dst: &c.InDoubtMaxDwell, allowZero: true},
		{env: "LEADER_RETRY_INTERVAL", raw: &c.LeaderRetryIntervalStr, dst: &c.LeaderRetryInterval},
		{env: "LEADER_HEARTBEAT_INTERVAL", raw: &c.LeaderHeartbeatIntervalStr, dst: &c.LeaderHeartbeatInterval},
	}
}

func setDefault(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

// positiveInt reads an integer env var, falling back to def when it is
// unset or not a positive integer.
func positiveInt(env string, def int) int {
	s := os.Getenv(env)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", env, s, def)
		return def
	}
	return n
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.RedisAddr = maskUserinfo(c.RedisAddr)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}

// maskUserinfo hides a password in "user:pass@host" style addresses.
func maskUserinfo(s string) string {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return s
	}
	return "***@" + s[at+1:]
}
