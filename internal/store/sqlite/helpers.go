package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeBackoff(b []time.Duration) (string, error) {
	ms := make([]int64, len(b))
	for i, d := range b {
		ms[i] = d.Milliseconds()
	}
	out, err := json.Marshal(ms)
	if err != nil {
		return "", fmt.Errorf("marshal backoff: %w", err)
	}
	return string(out), nil
}

func decodeBackoff(s string) ([]time.Duration, error) {
	var ms []int64
	if err := json.Unmarshal([]byte(s), &ms); err != nil {
		return nil, fmt.Errorf("unmarshal backoff: %w", err)
	}
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scanner interface {
	Scan(dest ...any) error
}
