// Package memory is an in-process tracker.Store. All state lives behind one
// mutex, so every Append is trivially atomic. Used by tests and by
// STORE_BACKEND=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/deliveryguard/internal/aggregate"
	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

type Store struct {
	mu        sync.RWMutex
	defs      map[domain.DefinitionID]domain.Definition
	instances map[domain.InstanceID]domain.Instance
	ledger    map[domain.InstanceID][]domain.Event
	counters  *aggregate.Counters
}

func New() *Store {
	return &Store{
		defs:      make(map[domain.DefinitionID]domain.Definition),
		instances: make(map[domain.InstanceID]domain.Instance),
		ledger:    make(map[domain.InstanceID][]domain.Event),
		counters:  aggregate.NewCounters(),
	}
}

var _ tracker.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// liveByName must be called with s.mu held.
func (s *Store) liveByName(cluster domain.ClusterID, name string) (domain.Definition, bool) {
	for _, d := range s.defs {
		if d.ClusterID == cluster && d.Name == name && !d.Deleted() {
			return d, true
		}
	}
	return domain.Definition{}, false
}

func (s *Store) CreateDefinition(ctx context.Context, def domain.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveByName(def.ClusterID, def.Name); ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateName, def.Name)
	}
	if _, ok := s.defs[def.ID]; ok {
		return fmt.Errorf("%w: id %s", domain.ErrDuplicateName, def.ID)
	}
	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, cluster domain.ClusterID, name string) (domain.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.liveByName(cluster, name)
	if !ok {
		return domain.Definition{}, fmt.Errorf("definition %s: %w", name, domain.ErrNotFound)
	}
	return cloneDefinition(d), nil
}

func (s *Store) GetDefinitionByID(ctx context.Context, id domain.DefinitionID) (domain.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[id]
	if !ok {
		return domain.Definition{}, fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	return cloneDefinition(d), nil
}

func (s *Store) UpdateDefinition(ctx context.Context, def domain.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.defs[def.ID]
	if !ok || cur.Deleted() {
		return fmt.Errorf("definition %s: %w", def.ID, domain.ErrNotFound)
	}
	if other, ok := s.liveByName(def.ClusterID, def.Name); ok && other.ID != def.ID {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateName, def.Name)
	}
	s.defs[def.ID] = cloneDefinition(def)
	return nil
}

func (s *Store) MarkDefinitionDeleted(ctx context.Context, id domain.DefinitionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok || d.Deleted() {
		return fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	if n := s.countOpen(id); n > 0 {
		return fmt.Errorf("%w: definition %s has %d open instances", domain.ErrInUse, id, n)
	}
	d.DeletedAt = &at
	d.UpdatedAt = at
	s.defs[id] = d
	return nil
}

func (s *Store) ListDefinitions(ctx context.Context, filter tracker.DefinitionFilter) ([]domain.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Definition
	for _, d := range s.defs {
		if d.Deleted() {
			continue
		}
		if filter.ClusterID != "" && d.ClusterID != filter.ClusterID {
			continue
		}
		if filter.TargetType != "" && d.TargetType != filter.TargetType {
			continue
		}
		out = append(out, cloneDefinition(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Append(ctx context.Context, c tracker.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.Instance.ID
	cur, exists := s.instances[id]
	switch {
	case c.ExpectedSeq == 0 && exists:
		return fmt.Errorf("instance %s already exists: %w", id, domain.ErrConflict)
	case c.ExpectedSeq != 0 && !exists:
		return fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	case exists && cur.Seq != c.ExpectedSeq:
		return fmt.Errorf("instance %s at seq %d, expected %d: %w", id, cur.Seq, c.ExpectedSeq, domain.ErrConflict)
	}
	if c.ExpectedSeq == 0 {
		if d, ok := s.defs[c.Instance.DefinitionID]; !ok || d.Deleted() {
			return fmt.Errorf("definition %s: %w", c.Instance.DefinitionID, domain.ErrNotFound)
		}
	}

	next := c.ExpectedSeq + 1
	for _, ev := range c.Events {
		if ev.InstanceID != id || ev.Seq != next {
			return fmt.Errorf("instance %s: event seq %d out of order: %w", id, ev.Seq, domain.ErrConflict)
		}
		next++
	}

	s.ledger[id] = append(s.ledger[id], c.Events...)
	s.instances[id] = c.Instance
	s.counters.Apply(c.Deltas...)
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id domain.InstanceID) (domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return domain.Instance{}, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, filter tracker.InstanceFilter) ([]domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Instance
	for _, inst := range s.instances {
		if !filter.Matches(inst) {
			continue
		}
		if filter.TargetType != "" && s.defs[inst.DefinitionID].TargetType != filter.TargetType {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountOpenInstances(ctx context.Context, id domain.DefinitionID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countOpen(id), nil
}

// countOpen must be called with s.mu held.
func (s *Store) countOpen(id domain.DefinitionID) int {
	n := 0
	for _, inst := range s.instances {
		if inst.DefinitionID == id && inst.State.IsOpen() {
			n++
		}
	}
	return n
}

func (s *Store) Events(ctx context.Context, id domain.InstanceID) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs, ok := s.ledger[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	out := make([]domain.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *Store) EventsByDefinition(ctx context.Context, id domain.DefinitionID) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsOf(id), nil
}

// eventsOf must be called with s.mu held.
func (s *Store) eventsOf(id domain.DefinitionID) []domain.Event {
	var ids []domain.InstanceID
	for iid, inst := range s.instances {
		if inst.DefinitionID == id {
			ids = append(ids, iid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []domain.Event
	for _, iid := range ids {
		out = append(out, s.ledger[iid]...)
	}
	return out
}

func (s *Store) Summary(ctx context.Context, id domain.DefinitionID) (domain.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.defs[id]; !ok {
		return domain.Summary{}, fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	return s.counters.Summary(id), nil
}

func (s *Store) CounterState(ctx context.Context, id domain.DefinitionID) (tracker.CounterState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.defs[id]; !ok {
		return tracker.CounterState{}, fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	st := tracker.CounterState{
		Cached: s.counters.Summary(id),
		Events: s.eventsOf(id),
	}
	for _, inst := range s.instances {
		if inst.DefinitionID == id {
			st.Instances = append(st.Instances, inst)
		}
	}
	return st, nil
}

func (s *Store) RebuildCounters(ctx context.Context, id domain.DefinitionID) (domain.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[id]; !ok {
		return domain.Summary{}, fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	replayed := aggregate.FromEvents(s.eventsOf(id))[id]
	s.counters.Replace(id, replayed)
	return replayed, nil
}

func cloneDefinition(d domain.Definition) domain.Definition {
	if d.Policy.Backoff != nil {
		d.Policy.Backoff = append([]time.Duration(nil), d.Policy.Backoff...)
	}
	if d.DeletedAt != nil {
		at := *d.DeletedAt
		d.DeletedAt = &at
	}
	return d
}
