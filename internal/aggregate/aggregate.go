// Package aggregate derives per-definition delivery counters.
//
// Counters is a cache over the ledger, never the source of truth: any value
// it holds can be recomputed with FromEvents, and FromInstances recounts the
// instance snapshots as a second check on the ledger.
package aggregate

import (
	"sort"
	"sync"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

// Counters is a concurrency-safe materialized view of summaries.
type Counters struct {
	mu   sync.RWMutex
	defs map[domain.DefinitionID]*domain.Summary
}

func NewCounters() *Counters {
	return &Counters{defs: make(map[domain.DefinitionID]*domain.Summary)}
}

func (c *Counters) entry(id domain.DefinitionID) *domain.Summary {
	s, ok := c.defs[id]
	if !ok {
		s = &domain.Summary{}
		c.defs[id] = s
	}
	return s
}

// Apply moves instances between buckets. All deltas land under one lock,
// so readers never observe an instance counted twice or not at all.
func (c *Counters) Apply(deltas ...domain.CounterDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range deltas {
		c.entry(d.DefinitionID).ApplyDelta(d)
	}
}

// Summary returns the cached summary for a definition.
func (c *Counters) Summary(id domain.DefinitionID) domain.Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.defs[id]; ok {
		return *s
	}
	return domain.Summary{}
}

// Replace overwrites a definition's summary, used after a replay repair.
func (c *Counters) Replace(id domain.DefinitionID, s domain.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := s
	c.defs[id] = &cp
}

// FromInstances recomputes summaries from current instance snapshots.
func FromInstances(instances []domain.Instance) map[domain.DefinitionID]domain.Summary {
	out := make(map[domain.DefinitionID]domain.Summary)
	for _, inst := range instances {
		s := out[inst.DefinitionID]
		s.Total++
		s.Adjust(inst.State, 1)
		if inst.UpdatedAt.After(s.LastUpdated) {
			s.LastUpdated = inst.UpdatedAt
		}
		out[inst.DefinitionID] = s
	}
	return out
}

// FromEvents recomputes summaries by folding ledger events in order.
// Only the last event per instance determines its bucket.
func FromEvents(events []domain.Event) map[domain.DefinitionID]domain.Summary {
	ordered := make([]domain.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].InstanceID != ordered[j].InstanceID {
			return ordered[i].InstanceID < ordered[j].InstanceID
		}
		return ordered[i].Seq < ordered[j].Seq
	})

	out := make(map[domain.DefinitionID]domain.Summary)
	for _, ev := range ordered {
		s := out[ev.DefinitionID]
		s.ApplyDelta(domain.CounterDelta{DefinitionID: ev.DefinitionID, From: ev.From, To: ev.To, At: ev.At})
		out[ev.DefinitionID] = s
	}
	return out
}

// Drift describes a mismatch between cached and replayed counters.
type Drift struct {
	DefinitionID domain.DefinitionID
	Cached       domain.Summary
	Replayed     domain.Summary
}

// Diff lists definitions whose cached counts disagree with the replay.
// Definitions missing on one side are compared against a zero summary.
func Diff(cached, replayed map[domain.DefinitionID]domain.Summary) []Drift {
	seen := make(map[domain.DefinitionID]bool)
	var out []Drift
	check := func(id domain.DefinitionID) {
		if seen[id] {
			return
		}
		seen[id] = true
		c, r := cached[id], replayed[id]
		if !c.SameCounts(r) {
			out = append(out, Drift{DefinitionID: id, Cached: c, Replayed: r})
		}
	}
	for id := range cached {
		check(id)
	}
	for id := range replayed {
		check(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID < out[j].DefinitionID })
	return out
}
