// Package testutil provides shared test helpers for deliveryguard.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Policy returns a valid retry policy with maxAttempts attempts, no backoff
// and a one second ack timeout.
func Policy(maxAttempts int) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     []time.Duration{0},
		AckTimeout:  time.Second,
	}
}

// Definition returns a valid http definition ready for CreateDefinition.
func Definition(cluster domain.ClusterID, name string, maxAttempts int) domain.Definition {
	return domain.Definition{
		ClusterID:  cluster,
		Name:       name,
		Target:     "http://receiver.test/" + name,
		TargetType: domain.TargetTypeHTTP,
		Secret:     "secret-" + name,
		Policy:     Policy(maxAttempts),
	}
}

// MustBeUUID fails the test unless s is a canonical uuid.
func MustBeUUID(t *testing.T, s string) {
	t.Helper()
	if _, err := uuid.Parse(s); err != nil {
		t.Fatalf("%q is not a uuid: %v", s, err)
	}
}

// SkewCounters commits n counter deltas for inst without ledger events,
// leaving the cached counters ahead of the ledger by n IN_PROGRESS
// instances.
func SkewCounters(t *testing.T, store tracker.Store, inst domain.Instance, n int) {
	t.Helper()
	c := tracker.Commit{Instance: inst, ExpectedSeq: inst.Seq}
	for i := 0; i < n; i++ {
		c.Deltas = append(c.Deltas, domain.CounterDelta{
			DefinitionID: inst.DefinitionID,
			To:           domain.StateInProgress,
			At:           inst.UpdatedAt,
		})
	}
	if err := store.Append(context.Background(), c); err != nil {
		t.Fatalf("skew counters: %v", err)
	}
}
