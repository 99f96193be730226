// Package reconciler finds instances the normal dispatch path lost track of
// and checks the cached counters against the ledger.
//
// Each cycle walks every live definition and:
//   - forces IN_PROGRESS instances past their ack timeout into IN_DOUBT,
//   - re-emits QUEUED instances that never reached a worker and requeues
//     FAILED_RETRYABLE instances whose retry was lost,
//   - escalates IN_DOUBT instances that waited longer than the definition
//     allows (it never resolves them),
//   - replays the ledger and repairs drifted counters.
//
// Re-emits are safe to duplicate: the dispatcher drops requests for
// instances that are no longer QUEUED.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

// ackGrace is added to a definition's ack timeout before the reconciler
// steps in, so the dispatcher's own timeout handling wins the common case.
const ackGrace = 5 * time.Second

// Tracker is the subset of tracker.Service the reconciler needs.
type Tracker interface {
	ListDefinitions(ctx context.Context, cluster domain.ClusterID, targetType domain.TargetType, order tracker.Sort) ([]tracker.DefinitionView, error)
	FindInstances(ctx context.Context, f tracker.InstanceFilter) ([]domain.Instance, error)
	ListInDoubt(ctx context.Context, cluster domain.ClusterID, name string) ([]tracker.InDoubtView, error)
	Timeout(ctx context.Context, id domain.InstanceID, detail string) (domain.Instance, error)
	Requeue(ctx context.Context, id domain.InstanceID) (domain.Instance, error)
	VerifyCounters(ctx context.Context, id domain.DefinitionID) (tracker.CounterCheck, error)
	RebuildCounters(ctx context.Context, id domain.DefinitionID) (domain.Summary, error)
}

// EventEmitter defines the interface for emitting dispatch requests.
type EventEmitter interface {
	Emit(ctx context.Context, req domain.DispatchRequest) error
}

// Escalator is told once about every IN_DOUBT instance that exceeds its
// maximum dwell.
type Escalator interface {
	InDoubtEscalated(ctx context.Context, v tracker.InDoubtView)
}

// MetricsSink defines the interface for recording reconciler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ReconcileAction(action string) // timeout, reemit, requeue, escalate, counter_repair
	ReconcileCycle(duration time.Duration)
	InstancesByBucket(inProgress, inDoubt, archSuccess, archFailed int64)
}

// Actions reported to metrics.
const (
	ActionTimeout       = "timeout"
	ActionReemit        = "reemit"
	ActionRequeue       = "requeue"
	ActionEscalate      = "escalate"
	ActionCounterRepair = "counter_repair"
)

// Config holds reconciler configuration.
type Config struct {
	// Schedule is a robfig/cron spec. Default: "@every 1m".
	Schedule string

	// Threshold is the age after which a QUEUED or FAILED_RETRYABLE
	// instance is considered orphaned. Default: 10 minutes.
	Threshold time.Duration

	// BatchSize caps each query per definition. Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:  "@every 1m",
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config    Config
	tracker   Tracker
	emitter   EventEmitter
	escalator Escalator   // optional, nil = log only
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time

	// escalated remembers which instances were already escalated. Cycles
	// never overlap, so it needs no lock.
	escalated map[domain.InstanceID]struct{}
}

func New(config Config, t Tracker, emitter EventEmitter) *Reconciler {
	return &Reconciler{
		config:    config,
		tracker:   t,
		emitter:   emitter,
		clock:     time.Now,
		escalated: make(map[domain.InstanceID]struct{}),
	}
}

func (r *Reconciler) WithEscalator(e Escalator) *Reconciler {
	r.escalator = e
	return r
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock sets a custom clock function for testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run runs one cycle immediately, then on the configured schedule until ctx
// is cancelled. A cycle still running when the next one is due is skipped.
func (r *Reconciler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.Default()))))
	if _, err := c.AddFunc(r.config.Schedule, func() { r.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("reconciler: schedule %q: %w", r.config.Schedule, err)
	}

	log.Printf("reconciler: started (schedule=%s, threshold=%s, batch=%d)",
		r.config.Schedule, r.config.Threshold, r.config.BatchSize)

	r.RunCycle(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	log.Println("reconciler: stopped")
	return nil
}

type cycleStats struct {
	timedOut, reemitted, requeued, escalated, repaired, failed int
}

// RunCycle executes one reconciliation cycle.
func (r *Reconciler) RunCycle(ctx context.Context) {
	start := r.clock()
	now := start.UTC()

	defs, err := r.tracker.ListDefinitions(ctx, "", "", tracker.Sort{})
	if err != nil {
		// Store error: log and abort cycle. Will retry next run.
		log.Printf("reconciler: failed to list definitions: %v", err)
		return
	}

	var st cycleStats
	var total domain.Summary
	for _, v := range defs {
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted")
			return
		}
		r.timeoutStale(ctx, now, v.Definition, &st)
		r.recoverOrphans(ctx, now, v.Definition, &st)
		sum := r.checkCounters(ctx, v, &st)

		total.InProgress += sum.InProgress
		total.InDoubt += sum.InDoubt
		total.ArchSuccess += sum.ArchSuccess
		total.ArchFailed += sum.ArchFailed
	}
	r.escalate(ctx, &st)

	if r.metrics != nil {
		r.metrics.InstancesByBucket(total.InProgress, total.InDoubt, total.ArchSuccess, total.ArchFailed)
		r.metrics.ReconcileCycle(r.clock().Sub(start))
	}

	if st != (cycleStats{}) {
		log.Printf("reconciler: cycle complete, timed_out=%d re-emitted=%d requeued=%d escalated=%d repaired=%d failed=%d",
			st.timedOut, st.reemitted, st.requeued, st.escalated, st.repaired, st.failed)
	}
}

// timeoutStale forces IN_PROGRESS instances that outlived their ack
// timeout into IN_DOUBT.
func (r *Reconciler) timeoutStale(ctx context.Context, now time.Time, def domain.Definition, st *cycleStats) {
	cutoff := now.Add(-(def.Policy.AckTimeout + ackGrace))
	stale, err := r.tracker.FindInstances(ctx, tracker.InstanceFilter{
		DefinitionID:  def.ID,
		States:        []domain.State{domain.StateInProgress},
		UpdatedBefore: cutoff,
		Limit:         r.config.BatchSize,
	})
	if err != nil {
		log.Printf("reconciler: definition=%s failed to fetch in-progress instances: %v", def.ID, err)
		st.failed++
		return
	}

	for _, inst := range stale {
		detail := fmt.Sprintf("no outcome within ack timeout %s", def.Policy.AckTimeout)
		if _, err := r.tracker.Timeout(ctx, inst.ID, detail); err != nil {
			log.Printf("reconciler: instance=%s timeout failed: %v", inst.ID, err)
			st.failed++
			continue
		}
		log.Printf("reconciler: instance=%s forced IN_DOUBT (age=%s)", inst.ID, now.Sub(inst.UpdatedAt).Round(time.Second))
		r.action(ActionTimeout)
		st.timedOut++
	}
}

// recoverOrphans re-emits QUEUED instances and requeues FAILED_RETRYABLE
// ones older than the threshold. A FAILED_RETRYABLE instance also gets its
// backoff before it counts as orphaned.
func (r *Reconciler) recoverOrphans(ctx context.Context, now time.Time, def domain.Definition, st *cycleStats) {
	orphans, err := r.tracker.FindInstances(ctx, tracker.InstanceFilter{
		DefinitionID:  def.ID,
		States:        []domain.State{domain.StateQueued, domain.StateFailedRetryable},
		UpdatedBefore: now.Add(-r.config.Threshold),
		Limit:         r.config.BatchSize,
	})
	if err != nil {
		log.Printf("reconciler: definition=%s failed to fetch orphans: %v", def.ID, err)
		st.failed++
		return
	}

	for _, inst := range orphans {
		if ctx.Err() != nil {
			return
		}

		if inst.State == domain.StateFailedRetryable {
			if now.Sub(inst.UpdatedAt) < r.config.Threshold+def.Policy.BackoffFor(inst.Attempts) {
				continue
			}
			next, err := r.tracker.Requeue(ctx, inst.ID)
			if err != nil {
				log.Printf("reconciler: instance=%s requeue failed: %v", inst.ID, err)
				st.failed++
				continue
			}
			r.action(ActionRequeue)
			st.requeued++
			if next.State != domain.StateQueued {
				continue
			}
		}

		req := domain.DispatchRequest{InstanceID: inst.ID, DefinitionID: inst.DefinitionID, EnqueuedAt: now}
		if err := r.emitter.Emit(ctx, req); err != nil {
			// Emit failed (buffer full, context cancelled).
			// Log and continue - will retry next cycle.
			log.Printf("reconciler: failed to re-emit instance=%s definition=%s: %v", inst.ID, def.Name, err)
			st.failed++
			continue
		}

		log.Printf("reconciler: re-emitted instance=%s definition=%s (age=%s)",
			inst.ID, def.Name, now.Sub(inst.CreatedAt).Round(time.Second))
		r.action(ActionReemit)
		st.reemitted++
	}
}

// checkCounters replays the definition's ledger and repairs drift.
// It returns the summary that should be reported.
func (r *Reconciler) checkCounters(ctx context.Context, v tracker.DefinitionView, st *cycleStats) domain.Summary {
	check, err := r.tracker.VerifyCounters(ctx, v.Definition.ID)
	if err != nil {
		log.Printf("reconciler: definition=%s counter check failed: %v", v.Definition.ID, err)
		st.failed++
		return v.Summary
	}
	if !check.Drifted {
		return check.Cached
	}

	log.Printf("reconciler: definition=%s counter drift cached=%+v replayed=%+v",
		v.Definition.ID, check.Cached, check.Replayed)
	rebuilt, err := r.tracker.RebuildCounters(ctx, v.Definition.ID)
	if err != nil {
		log.Printf("reconciler: definition=%s counter repair failed: %v", v.Definition.ID, err)
		st.failed++
		return check.Cached
	}
	r.action(ActionCounterRepair)
	st.repaired++
	return rebuilt
}

// escalate reports IN_DOUBT instances over their maximum dwell, once each.
func (r *Reconciler) escalate(ctx context.Context, st *cycleStats) {
	views, err := r.tracker.ListInDoubt(ctx, "", "")
	if err != nil {
		log.Printf("reconciler: failed to list in-doubt instances: %v", err)
		st.failed++
		return
	}

	seen := make(map[domain.InstanceID]struct{}, len(views))
	for _, v := range views {
		if !v.Escalated {
			continue
		}
		id := v.Instance.ID
		seen[id] = struct{}{}
		if _, done := r.escalated[id]; done {
			continue
		}

		log.Printf("reconciler: ESCALATION instance=%s definition=%s in doubt for %s (max %s), operator resolution required",
			id, v.DefinitionName, v.Dwell.Round(time.Second), v.MaxDwell)
		if r.escalator != nil {
			r.escalator.InDoubtEscalated(ctx, v)
		}
		r.action(ActionEscalate)
		st.escalated++
	}
	// Resolved instances drop out of the set.
	r.escalated = seen
}

func (r *Reconciler) action(a string) {
	if r.metrics != nil {
		r.metrics.ReconcileAction(a)
	}
}
