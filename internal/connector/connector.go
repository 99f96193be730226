// Package connector delivers instances to their targets. A connector
// performs one attempt and reports what the target said; the dispatcher
// turns that into a ledger transition.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

type ResultKind string

const (
	// KindAck means the target confirmed delivery synchronously.
	KindAck ResultKind = "ack"

	// KindDispatched means the target accepted the message and will report
	// the outcome later through the outcome endpoint.
	KindDispatched ResultKind = "dispatched"

	KindNack    ResultKind = "nack"
	KindTimeout ResultKind = "timeout"
)

type Request struct {
	Instance   domain.Instance
	Definition domain.Definition
	AttemptID  string
}

type Result struct {
	Kind       ResultKind
	Retryable  bool // only meaningful for KindNack
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Detail renders the result for the ledger event detail field.
func (r Result) Detail() string {
	switch {
	case r.Err != nil && r.StatusCode != 0:
		return fmt.Sprintf("status %d: %v", r.StatusCode, r.Err)
	case r.Err != nil:
		return r.Err.Error()
	case r.StatusCode != 0:
		return fmt.Sprintf("status %d", r.StatusCode)
	}
	return ""
}

type Connector interface {
	Dispatch(ctx context.Context, req Request) Result
}

// Func adapts a function to the Connector interface.
type Func func(ctx context.Context, req Request) Result

func (f Func) Dispatch(ctx context.Context, req Request) Result {
	return f(ctx, req)
}
