package config

import (
	"errors"
	"strings"
	"testing"
)

// validConfig returns a config that passes Validate.
func validConfig() Config {
	return Config{
		StoreBackend:      BackendPostgres,
		DatabaseURL:       "postgres://localhost/deliveryguard",
		DefaultClusterID:  "default",
		MetricsPath:       "/metrics",
		ReconcileEnabled:  true,
		ReconcileSchedule: "@every 1m",
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_StoreBackend(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"postgres without url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"sqlite without path", func(c *Config) { c.StoreBackend = BackendSQLite; c.SQLitePath = "" }, "SQLITE_PATH"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "mysql" }, "STORE_BACKEND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %s", err.Error(), tt.wantErr)
			}
		})
	}

	cfg := validConfig()
	cfg.StoreBackend = BackendMemory
	cfg.DatabaseURL = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("memory backend needs no database, got: %v", err)
	}
}

func TestValidate_InvalidDurations(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"non-parseable", "invalid", "invalid duration"},
		{"negative", "-1s", "must be positive"},
		{"zero", "0s", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.ReconcileThresholdStr = tt.value

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error for reconcile_threshold=%q", tt.value)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_ZeroDwellDisablesEscalation(t *testing.T) {
	cfg := validConfig()
	cfg.InDoubtMaxDwellStr = "0"

	if err := Validate(cfg); err != nil {
		t.Errorf("zero dwell should be accepted, got: %v", err)
	}

	cfg.InDoubtMaxDwellStr = "-5m"
	if err := Validate(cfg); err == nil {
		t.Error("negative dwell should be rejected")
	}
}

func TestValidate_ReconcileSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		valid    bool
	}{
		{"@every 1m", true},
		{"@hourly", true},
		{"*/5 * * * *", true},
		{"every minute", false},
		{"* * *", false},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			cfg := validConfig()
			cfg.ReconcileSchedule = tt.schedule

			err := Validate(cfg)
			if tt.valid && err != nil {
				t.Errorf("expected %q to be valid, got: %v", tt.schedule, err)
			}
			if !tt.valid && (err == nil || !strings.Contains(err.Error(), "RECONCILE_SCHEDULE")) {
				t.Errorf("expected RECONCILE_SCHEDULE error for %q, got: %v", tt.schedule, err)
			}
		})
	}

	cfg := validConfig()
	cfg.ReconcileEnabled = false
	cfg.ReconcileSchedule = "garbage"
	if err := Validate(cfg); err != nil {
		t.Errorf("schedule is ignored when reconciler is disabled, got: %v", err)
	}
}

func TestValidate_MiscFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"cluster with space", func(c *Config) { c.DefaultClusterID = "my cluster" }, "DEFAULT_CLUSTER_ID"},
		{"empty cluster", func(c *Config) { c.DefaultClusterID = "" }, "DEFAULT_CLUSTER_ID"},
		{"negative rate", func(c *Config) { c.DispatchRateLimitStr = "-1" }, "DISPATCH_RATE_LIMIT"},
		{"bad rate", func(c *Config) { c.DispatchRateLimitStr = "fast" }, "DISPATCH_RATE_LIMIT"},
		{"relative metrics path", func(c *Config) { c.MetricsPath = "metrics" }, "METRICS_PATH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %s error, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.DatabaseURL = ""
	cfg.MetricsPath = "x"

	err := Validate(cfg)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(verrs), verrs)
	}
	if !strings.Contains(err.Error(), "2 validation errors:") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "TEST_FIELD", Message: "test message"}
	if got := err.Error(); got != "TEST_FIELD: test message" {
		t.Errorf("unexpected format: %q", got)
	}
	if got := (ValidationErrors{}).Error(); got != "" {
		t.Errorf("empty ValidationErrors should format as empty string, got %q", got)
	}
}
