package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/google/uuid"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

// forceDeleteRounds bounds how often a forced delete sweeps for instances
// that were opened while it was failing the previous batch.
const forceDeleteRounds = 3

// CreateDefinition validates and stores a new definition.
func (s *Service) CreateDefinition(ctx context.Context, def domain.Definition) (domain.Definition, error) {
	if def.Policy.MaxInDoubtDwell == 0 {
		def.Policy.MaxInDoubtDwell = s.defaultDwell
	}
	if err := def.Validate(); err != nil {
		return domain.Definition{}, err
	}

	now := s.now()
	def.ID = domain.DefinitionID(uuid.NewString())
	def.CreatedAt = now
	def.UpdatedAt = now
	def.DeletedAt = nil

	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return domain.Definition{}, err
	}

	log.Printf("tracker: definition created id=%s cluster=%s name=%s type=%s", def.ID, def.ClusterID, def.Name, def.TargetType)
	s.notify(ctx, ActionCreated, def)
	return def, nil
}

func (s *Service) GetDefinition(ctx context.Context, cluster domain.ClusterID, name string) (domain.Definition, error) {
	return s.store.GetDefinition(ctx, cluster, name)
}

// GetDefinitionByID also returns soft-deleted definitions, which open
// instances may still reference while a forced delete runs.
func (s *Service) GetDefinitionByID(ctx context.Context, id domain.DefinitionID) (domain.Definition, error) {
	return s.store.GetDefinitionByID(ctx, id)
}

// EditDefinition replaces the editable fields of the named definition.
//
// Once any instance references the definition only its description may
// change. The new name must be unique among the cluster's other live
// definitions.
func (s *Service) EditDefinition(ctx context.Context, cluster domain.ClusterID, name string, upd domain.Definition) (domain.Definition, error) {
	cur, err := s.store.GetDefinition(ctx, cluster, name)
	if err != nil {
		return domain.Definition{}, err
	}

	next := cur
	next.Name = upd.Name
	next.Description = upd.Description
	next.Target = upd.Target
	next.TargetType = upd.TargetType
	next.Secret = upd.Secret
	next.Policy = upd.Policy
	if next.Policy.MaxInDoubtDwell == 0 {
		next.Policy.MaxInDoubtDwell = s.defaultDwell
	}
	if err := next.Validate(); err != nil {
		return domain.Definition{}, err
	}

	if structural(cur, next) {
		sum, err := s.store.Summary(ctx, cur.ID)
		if err != nil {
			return domain.Definition{}, err
		}
		if sum.Total > 0 {
			return domain.Definition{}, fmt.Errorf("%w: %d instances reference %s, only the description may change",
				domain.ErrInUse, sum.Total, cur.Name)
		}
	}

	if next.Name != cur.Name {
		other, err := s.store.GetDefinition(ctx, cluster, next.Name)
		switch {
		case err == nil && other.ID != cur.ID:
			return domain.Definition{}, fmt.Errorf("%w: %s", domain.ErrDuplicateName, next.Name)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return domain.Definition{}, err
		}
	}

	next.UpdatedAt = s.now()
	if err := s.store.UpdateDefinition(ctx, next); err != nil {
		return domain.Definition{}, err
	}

	log.Printf("tracker: definition edited id=%s name=%s", next.ID, next.Name)
	s.notify(ctx, ActionEdited, next)
	return next, nil
}

// structural reports whether anything other than the description changed.
func structural(a, b domain.Definition) bool {
	return a.Name != b.Name ||
		a.Target != b.Target ||
		a.TargetType != b.TargetType ||
		a.Secret != b.Secret ||
		a.Policy.MaxAttempts != b.Policy.MaxAttempts ||
		!slices.Equal(a.Policy.Backoff, b.Policy.Backoff) ||
		a.Policy.AckTimeout != b.Policy.AckTimeout ||
		a.Policy.MaxInDoubtDwell != b.Policy.MaxInDoubtDwell
}

// DeleteDefinition soft-deletes the named definition.
//
// Without force, open instances make it fail with domain.ErrInUse. With
// force, every open instance is archived as failed first: IN_DOUBT ones
// through an audited resolve(failure) carrying operatorID, the rest through
// force_fail. The store repeats the open-instance check in the same step as
// the delete, so an instance created after the count still fails it.
func (s *Service) DeleteDefinition(ctx context.Context, cluster domain.ClusterID, name string, force bool, operatorID string) error {
	def, err := s.store.GetDefinition(ctx, cluster, name)
	if err != nil {
		return err
	}

	open, err := s.store.CountOpenInstances(ctx, def.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		if !force {
			return fmt.Errorf("%w: %s has %d open instances", domain.ErrInUse, def.Name, open)
		}
		if operatorID == "" {
			return fmt.Errorf("%w: operator_id is required for a forced delete", domain.ErrInvalidArgument)
		}
		if err := s.failOpen(ctx, def, operatorID); err != nil {
			return err
		}
	}

	if err := s.store.MarkDefinitionDeleted(ctx, def.ID, s.now()); err != nil {
		return err
	}
	log.Printf("tracker: definition deleted id=%s name=%s force=%v", def.ID, def.Name, force && open > 0)
	s.notify(ctx, ActionDeleted, def)
	return nil
}

func (s *Service) failOpen(ctx context.Context, def domain.Definition, operatorID string) error {
	for round := 0; round < forceDeleteRounds; round++ {
		open, err := s.store.ListInstances(ctx, InstanceFilter{DefinitionID: def.ID, States: OpenStates})
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		log.Printf("tracker: OVERRIDE forced delete of %s by operator=%s archives %d open instances", def.Name, operatorID, len(open))
		s.overridden("force_delete")

		for _, inst := range open {
			step := domain.Event{Kind: domain.EventForceFail, OperatorID: operatorID, Note: "definition deleted"}
			if inst.State == domain.StateInDoubt {
				step = domain.Event{
					Kind:       domain.EventResolve,
					Resolution: domain.ResolutionFailure,
					OperatorID: operatorID,
					Note:       "definition deleted",
				}
			}
			if _, err := s.transition(ctx, inst.ID, step); err != nil {
				// Moved on by a concurrent writer; the next round re-reads it.
				if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotInDoubt) {
					continue
				}
				return fmt.Errorf("force fail instance %s: %w", inst.ID, err)
			}
		}
	}

	left, err := s.store.CountOpenInstances(ctx, def.ID)
	if err != nil {
		return err
	}
	if left > 0 {
		return fmt.Errorf("%w: %s still has %d open instances", domain.ErrInUse, def.Name, left)
	}
	return nil
}
