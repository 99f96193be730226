package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

// ErrNoConnector is reported when no connector is registered for a
// definition's target type.
var ErrNoConnector = errors.New("no connector registered for target type")

type entry struct {
	conn    Connector
	limiter *rate.Limiter
}

// Registry maps target types to connectors. Every connector sits behind its
// own token-bucket limiter.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.TargetType]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.TargetType]entry)}
}

// Register installs conn for tt. A limit of rate.Inf disables throttling.
func (r *Registry) Register(tt domain.TargetType, conn Connector, limit rate.Limit, burst int) {
	if burst < 1 {
		burst = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tt] = entry{conn: conn, limiter: rate.NewLimiter(limit, burst)}
}

// Has reports whether a connector is registered for tt.
func (r *Registry) Has(tt domain.TargetType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[tt]
	return ok
}

// Dispatch waits for the target type's limiter and runs one attempt.
// A missing connector is a permanent nack; a limiter wait that cannot
// finish before the deadline is a retryable one.
func (r *Registry) Dispatch(ctx context.Context, req Request) Result {
	r.mu.RLock()
	e, ok := r.entries[req.Definition.TargetType]
	r.mu.RUnlock()
	if !ok {
		return Result{
			Kind: KindNack,
			Err:  fmt.Errorf("%w: %s", ErrNoConnector, req.Definition.TargetType),
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return Result{
			Kind:      KindNack,
			Retryable: true,
			Err:       fmt.Errorf("rate limit: %w", err),
		}
	}
	return e.conn.Dispatch(ctx, req)
}

var _ Connector = (*Registry)(nil)
