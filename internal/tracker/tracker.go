// Package tracker is the delivery-guarantee service: it owns definitions,
// drives instances through the state machine and answers queries.
//
// Every instance write goes through one path: take the per-instance lock,
// load the snapshot, run the events through fsm.Apply, and hand the result
// to Store.Append as one commit. Counters move in the same commit.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/fsm"
)

// maxConflictRetries bounds reload-and-retry after an optimistic
// concurrency loss in the store.
const maxConflictRetries = 3

// MetricsSink records tracker metrics. Methods must not block.
type MetricsSink interface {
	TransitionApplied(from, to string)
	TransitionRejected(kind string)
	OperatorOverride(action string)
}

// Notifier is told about definition changes. Best effort.
type Notifier interface {
	DefinitionChanged(ctx context.Context, action string, def domain.Definition)
}

// Queue receives dispatch requests for newly queued instances.
type Queue interface {
	Emit(ctx context.Context, req domain.DispatchRequest) error
}

// Notifier actions.
const (
	ActionCreated = "created"
	ActionEdited  = "edited"
	ActionDeleted = "deleted"
)

type Service struct {
	store    Store
	locks    *keyedMutex
	metrics  MetricsSink // optional, nil = disabled
	notifier Notifier    // optional, nil = disabled
	queue    Queue       // optional, nil = instances wait for the reconciler
	clock    func() time.Time

	defaultDwell time.Duration
}

func New(store Store) *Service {
	return &Service{
		store: store,
		locks: newKeyedMutex(),
		clock: time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(sink MetricsSink) *Service {
	s.metrics = sink
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithQueue attaches the dispatch queue new instances are emitted to.
func (s *Service) WithQueue(q Queue) *Service {
	s.queue = q
	return s
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithDefaultInDoubtDwell sets the dwell applied to definitions created
// without one.
func (s *Service) WithDefaultInDoubtDwell(d time.Duration) *Service {
	s.defaultDwell = d
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// outcome is what a committed transition produced.
type outcome struct {
	instance  domain.Instance
	events    []domain.Event
	exhausted bool
}

// transition applies steps to the instance under its lock and commits them
// together. Steps carry the kind and the kind-specific fields; ids and
// timestamps are filled here.
func (s *Service) transition(ctx context.Context, id domain.InstanceID, steps ...domain.Event) (outcome, error) {
	unlock := s.locks.Lock(string(id))
	defer unlock()

	var lastErr error
	for try := 0; try < maxConflictRetries; try++ {
		out, err := s.tryTransition(ctx, id, steps)
		if !errors.Is(err, domain.ErrConflict) {
			return out, err
		}
		lastErr = err
		log.Printf("tracker: instance=%s conflict on commit, reloading (try=%d)", id, try+1)
	}
	return outcome{}, lastErr
}

func (s *Service) tryTransition(ctx context.Context, id domain.InstanceID, steps []domain.Event) (outcome, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return outcome{}, fmt.Errorf("get instance %s: %w", id, err)
	}
	def, err := s.store.GetDefinitionByID(ctx, inst.DefinitionID)
	if err != nil {
		return outcome{}, fmt.Errorf("get definition %s: %w", inst.DefinitionID, err)
	}

	c, out, err := s.build(inst, def.Policy, steps)
	if err != nil {
		return outcome{}, err
	}
	if err := s.store.Append(ctx, c); err != nil {
		return outcome{}, err
	}
	s.recordApplied(out.events)
	return out, nil
}

// build runs steps through the state machine without touching the store.
func (s *Service) build(inst domain.Instance, policy domain.RetryPolicy, steps []domain.Event) (Commit, outcome, error) {
	c := Commit{ExpectedSeq: inst.Seq}
	out := outcome{}
	cur := inst
	now := s.now()

	for _, step := range steps {
		step.ID = domain.EventID(uuid.NewString())
		step.At = now
		res, err := fsm.Apply(cur, step, policy)
		if err != nil {
			s.recordRejected(cur, step.Kind, err)
			return Commit{}, outcome{}, err
		}
		cur = res.Instance
		c.Events = append(c.Events, res.Event)
		c.Deltas = append(c.Deltas, domain.CounterDelta{
			DefinitionID: cur.DefinitionID,
			From:         res.Event.From,
			To:           res.Event.To,
			At:           res.Event.At,
		})
		out.exhausted = out.exhausted || res.Exhausted
	}

	c.Instance = cur
	out.instance = cur
	out.events = c.Events
	return c, out, nil
}

func (s *Service) recordApplied(events []domain.Event) {
	for _, ev := range events {
		log.Printf("tracker: instance=%s seq=%d %s %s->%s attempt=%d",
			ev.InstanceID, ev.Seq, ev.Kind, stateLabel(ev.From), ev.To, ev.Attempt)
		if s.metrics != nil {
			s.metrics.TransitionApplied(stateLabel(ev.From), string(ev.To))
		}
	}
}

func (s *Service) recordRejected(inst domain.Instance, kind domain.EventKind, err error) {
	log.Printf("tracker: rejected instance=%s state=%s event=%s: %v", inst.ID, stateLabel(inst.State), kind, err)
	if s.metrics != nil {
		s.metrics.TransitionRejected(string(kind))
	}
}

func stateLabel(st domain.State) string {
	if st == "" {
		return "NONE"
	}
	return string(st)
}

func (s *Service) overridden(action string) {
	if s.metrics != nil {
		s.metrics.OperatorOverride(action)
	}
}

func (s *Service) notify(ctx context.Context, action string, def domain.Definition) {
	if s.notifier == nil {
		return
	}
	s.notifier.DefinitionChanged(ctx, action, def)
}
