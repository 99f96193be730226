package tracker

import (
	"context"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

// Store persists definitions, the per-instance event ledger, instance
// snapshots and the cached per-definition counters.
//
// Implementations return domain.ErrNotFound for missing rows and
// domain.ErrDuplicateName when a live definition with the same name
// already exists in the cluster.
type Store interface {
	CreateDefinition(ctx context.Context, def domain.Definition) error
	// GetDefinition returns the live (not deleted) definition with the name.
	GetDefinition(ctx context.Context, cluster domain.ClusterID, name string) (domain.Definition, error)
	// GetDefinitionByID also returns deleted definitions.
	GetDefinitionByID(ctx context.Context, id domain.DefinitionID) (domain.Definition, error)
	UpdateDefinition(ctx context.Context, def domain.Definition) error
	// MarkDefinitionDeleted soft-deletes a live definition. It returns
	// domain.ErrInUse when open instances remain; the count and the delete
	// happen in one atomic step.
	MarkDefinitionDeleted(ctx context.Context, id domain.DefinitionID, at time.Time) error
	// ListDefinitions returns live definitions ordered by created_at, id.
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]domain.Definition, error)

	// Append writes a commit atomically. It returns domain.ErrConflict when
	// the stored instance seq differs from ExpectedSeq, or when the instance
	// already exists and ExpectedSeq is zero. Creating an instance of a
	// missing or deleted definition returns domain.ErrNotFound.
	Append(ctx context.Context, c Commit) error

	GetInstance(ctx context.Context, id domain.InstanceID) (domain.Instance, error)
	// ListInstances returns instances ordered by created_at, id.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]domain.Instance, error)
	CountOpenInstances(ctx context.Context, id domain.DefinitionID) (int, error)

	// Events returns one instance's ledger ordered by seq.
	Events(ctx context.Context, id domain.InstanceID) ([]domain.Event, error)
	// EventsByDefinition returns every ledger entry of a definition ordered
	// by instance id, seq.
	EventsByDefinition(ctx context.Context, id domain.DefinitionID) ([]domain.Event, error)

	Summary(ctx context.Context, id domain.DefinitionID) (domain.Summary, error)
	// CounterState reads the cached counters, the ledger and the instance
	// snapshots of a definition as of one point in time.
	CounterState(ctx context.Context, id domain.DefinitionID) (CounterState, error)
	// RebuildCounters replays the ledger and overwrites the cached counters
	// with the result. No Append can commit between the read and the write.
	RebuildCounters(ctx context.Context, id domain.DefinitionID) (domain.Summary, error)

	Ping(ctx context.Context) error
}

// Commit is one atomic ledger write for a single instance.
type Commit struct {
	Instance    domain.Instance // snapshot after the events
	ExpectedSeq int64           // snapshot seq before the events, 0 on creation
	Events      []domain.Event
	Deltas      []domain.CounterDelta
}

// CounterState is a consistent view of one definition's counters and the
// records they are derived from.
type CounterState struct {
	Cached    domain.Summary
	Events    []domain.Event
	Instances []domain.Instance
}

// DefinitionFilter narrows ListDefinitions. Zero fields match everything.
type DefinitionFilter struct {
	ClusterID  domain.ClusterID
	TargetType domain.TargetType
}

// InstanceFilter narrows ListInstances. Zero fields match everything.
type InstanceFilter struct {
	ClusterID     domain.ClusterID
	DefinitionID  domain.DefinitionID
	TargetType    domain.TargetType
	States        []domain.State
	UpdatedBefore time.Time
	Limit         int
}

// Matches reports whether inst passes the filter. TargetType is resolved by
// the caller since instances do not carry it.
func (f InstanceFilter) Matches(inst domain.Instance) bool {
	if f.ClusterID != "" && inst.ClusterID != f.ClusterID {
		return false
	}
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if inst.State == st {
			return true
		}
	}
	return false
}

// OpenStates are the states that still await a final outcome.
var OpenStates = []domain.State{
	domain.StateQueued,
	domain.StateInProgress,
	domain.StateInDoubt,
	domain.StateFailedRetryable,
}
