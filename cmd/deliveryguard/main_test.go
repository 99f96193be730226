package main

import "testing"

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		addr     string
		password string
		db       int
	}{
		{"bare host", "localhost:6379", "localhost:6379", "", 0},
		{"url", "redis://cache:6380/2", "cache:6380", "", 2},
		{"url with password", "redis://:pw@cache:6379/0", "cache:6379", "pw", 0},
		{"credentials without scheme", "user:pw@cache:6379", "cache:6379", "pw", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := redisOptions(tt.in)
			if err != nil {
				t.Fatalf("redisOptions(%q) error: %v", tt.in, err)
			}
			if opts.Addr != tt.addr {
				t.Errorf("Addr = %q, want %q", opts.Addr, tt.addr)
			}
			if opts.Password != tt.password {
				t.Errorf("Password = %q, want %q", opts.Password, tt.password)
			}
			if opts.DB != tt.db {
				t.Errorf("DB = %d, want %d", opts.DB, tt.db)
			}
		})
	}
}

func TestRedisOptions_InvalidURL(t *testing.T) {
	if _, err := redisOptions("redis://cache:6379/notadb"); err == nil {
		t.Error("expected error for non-numeric db")
	}
}
