// Package channel is the in-process dispatch queue between the tracker,
// the reconciler and the dispatcher workers.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// ErrBufferFull is returned when the buffer stays full for the emit timeout.
// The instance stays QUEUED in the ledger and the reconciler re-emits it.
var ErrBufferFull = errors.New("dispatch queue buffer full")

type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*Queue)

func WithEmitTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.emitTimeout = d
	}
}

func WithMetrics(m MetricsSink) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

type Queue struct {
	ch          chan domain.DispatchRequest
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewQueue(buffer int, opts ...Option) *Queue {
	q := &Queue{
		ch:          make(chan domain.DispatchRequest, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics != nil {
		q.metrics.BufferCapacitySet(buffer)
	}
	return q
}

func (q *Queue) Emit(ctx context.Context, req domain.DispatchRequest) error {
	timer := time.NewTimer(q.emitTimeout)
	defer timer.Stop()

	select {
	case q.ch <- req:
		q.observe()
		return nil
	case <-timer.C:
		if q.metrics != nil {
			q.metrics.EmitError()
		}
		return ErrBufferFull
	case <-ctx.Done():
		if q.metrics != nil {
			q.metrics.EmitError()
		}
		return ctx.Err()
	}
}

// Channel is read by the dispatcher workers.
func (q *Queue) Channel() <-chan domain.DispatchRequest {
	return q.ch
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) observe() {
	if q.metrics == nil {
		return
	}
	size := len(q.ch)
	q.metrics.BufferSizeUpdate(size)
	if c := cap(q.ch); c > 0 {
		q.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}
