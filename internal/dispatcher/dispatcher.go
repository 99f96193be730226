// Package dispatcher drives queued instances through their connectors.
//
// Each dispatch request is one attempt: record it in the ledger, call the
// connector bounded by the definition's ack timeout, and record what came
// back. Retry waits happen off the worker goroutines; an instance whose
// retry is lost on shutdown stays FAILED_RETRYABLE and the reconciler picks
// it up.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/deliveryguard/internal/connector"
	"github.com/djlord-it/deliveryguard/internal/domain"
)

// Tracker is the subset of tracker.Service the dispatcher writes through.
type Tracker interface {
	GetDefinitionByID(ctx context.Context, id domain.DefinitionID) (domain.Definition, error)
	GetInstance(ctx context.Context, id domain.InstanceID) (domain.Instance, error)
	BeginAttempt(ctx context.Context, id domain.InstanceID) (domain.Instance, error)
	Ack(ctx context.Context, id domain.InstanceID, detail string) (domain.Instance, error)
	Nack(ctx context.Context, id domain.InstanceID, retryable bool, detail string) (domain.Instance, error)
	Timeout(ctx context.Context, id domain.InstanceID, detail string) (domain.Instance, error)
	Requeue(ctx context.Context, id domain.InstanceID) (domain.Instance, error)
}

type Connector interface {
	Dispatch(ctx context.Context, req connector.Request) connector.Result
}

type Queue interface {
	Emit(ctx context.Context, req domain.DispatchRequest) error
}

// Breaker guards targets that keep failing.
type Breaker interface {
	Allow(target string) error
	RecordSuccess(target string)
	RecordFailure(target string)
	Cooldown() time.Duration
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	AttemptCompleted(result string, duration time.Duration)
	RetryScheduled()
	DispatchDeferred(reason string)
	DispatchesInFlightIncr()
	DispatchesInFlightDecr()
}

// Attempt results as reported to metrics.
const (
	ResultAck           = "ack"
	ResultDispatched    = "dispatched"
	ResultNackRetryable = "nack_retryable"
	ResultNackPermanent = "nack_permanent"
	ResultTimeout       = "timeout"
)

// DrainTimeout is the maximum time to wait for buffered requests during shutdown.
const DrainTimeout = 30 * time.Second

type Dispatcher struct {
	tracker Tracker
	conn    Connector
	queue   Queue       // optional, nil = retries wait for the reconciler
	breaker Breaker     // optional, nil = disabled
	metrics MetricsSink // optional, nil = disabled

	workers      int
	drainTimeout time.Duration
	clock        func() time.Time

	pending sync.WaitGroup
}

func New(tracker Tracker, conn Connector) *Dispatcher {
	return &Dispatcher{
		tracker:      tracker,
		conn:         conn,
		workers:      1,
		drainTimeout: DrainTimeout,
		clock:        time.Now,
	}
}

// WithQueue sets where retried and deferred requests are re-emitted.
func (d *Dispatcher) WithQueue(q Queue) *Dispatcher {
	d.queue = q
	return d
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithWorkers sets how many requests are dispatched concurrently.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

func (d *Dispatcher) WithDrainTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.drainTimeout = t
	}
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Run processes requests from the channel until context is cancelled.
// After cancellation, each worker drains remaining buffered requests with a
// timeout. Run returns once all workers and scheduled retries have stopped.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.DispatchRequest) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, ch)
		}()
	}
	wg.Wait()
	d.pending.Wait()
}

func (d *Dispatcher) work(ctx context.Context, ch <-chan domain.DispatchRequest) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case req, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, req); err != nil {
				log.Printf("dispatcher: error: %v", err)
			}
		}
	}
}

// drain processes remaining requests in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.DispatchRequest) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("dispatcher: drain timeout, processed %d requests", count)
			}
			return
		case req, ok := <-ch:
			if !ok {
				log.Printf("dispatcher: drain complete, processed %d requests", count)
				return
			}
			if err := d.Dispatch(drainCtx, req); err != nil {
				log.Printf("dispatcher: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("dispatcher: drain complete, processed %d requests", count)
			}
			return
		}
	}
}

// Dispatch performs one delivery attempt for req. Requests for instances
// that are no longer QUEUED are dropped: duplicates are expected because
// the reconciler re-emits anything that looks stuck.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) error {
	if d.metrics != nil {
		d.metrics.DispatchesInFlightIncr()
		defer d.metrics.DispatchesInFlightDecr()
	}

	defID := req.DefinitionID
	if defID == "" {
		inst, err := d.tracker.GetInstance(ctx, req.InstanceID)
		if err != nil {
			return fmt.Errorf("get instance: %w", err)
		}
		defID = inst.DefinitionID
	}
	def, err := d.tracker.GetDefinitionByID(ctx, defID)
	if err != nil {
		return fmt.Errorf("get definition: %w", err)
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(def.Target); err != nil {
			log.Printf("dispatcher: instance=%s target=%s deferred: %v", req.InstanceID, def.Target, err)
			if d.metrics != nil {
				d.metrics.DispatchDeferred("circuit_open")
			}
			d.reemitAfter(ctx, d.breaker.Cooldown(), req)
			return nil
		}
	}

	inst, err := d.tracker.BeginAttempt(ctx, req.InstanceID)
	switch {
	case errors.Is(err, domain.ErrPolicyExhausted):
		log.Printf("dispatcher: instance=%s archived, retry policy exhausted", req.InstanceID)
		return nil
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		log.Printf("dispatcher: instance=%s stale request dropped: %v", req.InstanceID, err)
		return nil
	case err != nil:
		return fmt.Errorf("begin attempt: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, def.Policy.AckTimeout)
	result := d.conn.Dispatch(attemptCtx, connector.Request{
		Instance:   inst,
		Definition: def,
		AttemptID:  uuid.NewString(),
	})
	cancel()

	return d.record(ctx, inst, def, result)
}

// record turns a connector result into a ledger transition.
func (d *Dispatcher) record(ctx context.Context, inst domain.Instance, def domain.Definition, result connector.Result) error {
	label := resultLabel(result)
	if d.metrics != nil {
		d.metrics.AttemptCompleted(label, result.Duration)
	}
	detail := result.Detail()

	var err error
	switch label {
	case ResultAck:
		d.recordTarget(def.Target, true)
		log.Printf("dispatcher: instance=%s delivered attempt=%d", inst.ID, inst.Attempts)
		_, err = d.tracker.Ack(ctx, inst.ID, detail)

	case ResultDispatched:
		d.recordTarget(def.Target, true)
		log.Printf("dispatcher: instance=%s accepted attempt=%d, awaiting ack", inst.ID, inst.Attempts)

	case ResultTimeout:
		d.recordTarget(def.Target, false)
		_, err = d.tracker.Timeout(ctx, inst.ID, detail)

	case ResultNackPermanent:
		d.recordTarget(def.Target, true)
		log.Printf("dispatcher: instance=%s non-retryable attempt=%d %s", inst.ID, inst.Attempts, detail)
		_, err = d.tracker.Nack(ctx, inst.ID, false, detail)

	case ResultNackRetryable:
		d.recordTarget(def.Target, false)
		log.Printf("dispatcher: instance=%s attempt=%d failed %s", inst.ID, inst.Attempts, detail)
		var next domain.Instance
		next, err = d.tracker.Nack(ctx, inst.ID, true, detail)
		if err == nil && next.State == domain.StateFailedRetryable {
			d.retryAfter(ctx, def.Policy.BackoffFor(next.Attempts), next)
		}
	}

	if errors.Is(err, domain.ErrInvalidTransition) {
		// An outcome reported through the API or a reconciler timeout got
		// there first.
		log.Printf("dispatcher: instance=%s %s not recorded: %v", inst.ID, label, err)
		return nil
	}
	return err
}

func (d *Dispatcher) recordTarget(target string, ok bool) {
	if d.breaker == nil {
		return
	}
	if ok {
		d.breaker.RecordSuccess(target)
	} else {
		d.breaker.RecordFailure(target)
	}
}

// retryAfter requeues inst once backoff has elapsed and hands it back to
// the queue.
func (d *Dispatcher) retryAfter(ctx context.Context, backoff time.Duration, inst domain.Instance) {
	if d.metrics != nil {
		d.metrics.RetryScheduled()
	}
	log.Printf("dispatcher: instance=%s attempt=%d backoff=%s", inst.ID, inst.Attempts+1, backoff)

	d.after(ctx, backoff, func(ctx context.Context) {
		next, err := d.tracker.Requeue(ctx, inst.ID)
		if err != nil {
			log.Printf("dispatcher: instance=%s requeue failed: %v", inst.ID, err)
			return
		}
		if next.State != domain.StateQueued {
			return
		}
		d.emit(ctx, domain.DispatchRequest{InstanceID: inst.ID, DefinitionID: inst.DefinitionID, EnqueuedAt: d.clock().UTC()})
	})
}

// reemitAfter puts req back on the queue without touching the ledger.
func (d *Dispatcher) reemitAfter(ctx context.Context, delay time.Duration, req domain.DispatchRequest) {
	d.after(ctx, delay, func(ctx context.Context) {
		req.EnqueuedAt = d.clock().UTC()
		d.emit(ctx, req)
	})
}

func (d *Dispatcher) emit(ctx context.Context, req domain.DispatchRequest) {
	if d.queue == nil {
		return
	}
	if err := d.queue.Emit(ctx, req); err != nil {
		log.Printf("dispatcher: instance=%s re-emit failed, left for reconciler: %v", req.InstanceID, err)
	}
}

// after runs fn once delay has elapsed unless ctx ends first.
func (d *Dispatcher) after(ctx context.Context, delay time.Duration, fn func(context.Context)) {
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn(ctx)
	}()
}

// resultLabel maps a connector result to a bounded metrics label.
func resultLabel(r connector.Result) string {
	switch {
	case r.Kind == connector.KindTimeout || errors.Is(r.Err, domain.ErrConnectorTimeout):
		return ResultTimeout
	case r.Kind == connector.KindAck:
		return ResultAck
	case r.Kind == connector.KindDispatched:
		return ResultDispatched
	case r.Retryable:
		return ResultNackRetryable
	default:
		return ResultNackPermanent
	}
}
