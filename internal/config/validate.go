package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			add("SQLITE_PATH", "required when STORE_BACKEND=sqlite")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_BACKEND=postgres")
		}
	default:
		add("STORE_BACKEND", "must be 'memory', 'sqlite' or 'postgres', got %q", cfg.StoreBackend)
	}

	if cfg.DefaultClusterID == "" || strings.IndexFunc(cfg.DefaultClusterID, unicode.IsSpace) >= 0 {
		add("DEFAULT_CLUSTER_ID", "must be non-empty without whitespace")
	}

	for _, d := range cfg.durations() {
		if *d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		switch {
		case err != nil:
			add(d.env, "invalid duration: %v", err)
		case v < 0 || (v == 0 && !d.allowZero):
			add(d.env, "must be positive")
		}
	}

	if cfg.DispatchRateLimitStr != "" {
		if rate, err := strconv.ParseFloat(cfg.DispatchRateLimitStr, 64); err != nil || rate < 0 {
			add("DISPATCH_RATE_LIMIT", "must be a non-negative number, got %q", cfg.DispatchRateLimitStr)
		}
	}

	if cfg.ReconcileEnabled {
		if _, err := cron.ParseStandard(cfg.ReconcileSchedule); err != nil {
			add("RECONCILE_SCHEDULE", "invalid schedule %q: %v", cfg.ReconcileSchedule, err)
		}
	}

	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		add("METRICS_PATH", "must start with '/', got %q", cfg.MetricsPath)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
