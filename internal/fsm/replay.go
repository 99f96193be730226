package fsm

import (
	"fmt"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

// Replay rebuilds an instance from its ordered ledger events.
//
// Replay does not need the retry policy: it checks that each recorded step
// is one the table allows and trusts the recorded target. The same events
// always produce the same instance.
func Replay(events []domain.Event) (domain.Instance, error) {
	var inst domain.Instance
	if len(events) == 0 {
		return inst, fmt.Errorf("replay: %w: no events", domain.ErrNotFound)
	}

	for i, ev := range events {
		if ev.Seq != inst.Seq+1 {
			return inst, fmt.Errorf("replay: instance %s: sequence gap at index %d (have %d, got %d)",
				ev.InstanceID, i, inst.Seq, ev.Seq)
		}
		if ev.From != inst.State {
			return inst, fmt.Errorf("replay: instance %s seq %d: recorded from %s, replayed state %s",
				ev.InstanceID, ev.Seq, ev.From, inst.State)
		}
		if !reachable(ev.From, ev.Kind, ev.To) {
			return inst, &domain.TransitionError{
				InstanceID: ev.InstanceID,
				From:       ev.From,
				Kind:       ev.Kind,
				Err:        domain.ErrInvalidTransition,
			}
		}
		if ev.Attempt < inst.Attempts {
			return inst, fmt.Errorf("replay: instance %s seq %d: attempt count decreased", ev.InstanceID, ev.Seq)
		}

		if ev.Kind == domain.EventCreated {
			inst.ID = ev.InstanceID
			inst.DefinitionID = ev.DefinitionID
			inst.ClusterID = ev.ClusterID
			inst.PayloadRef = ev.PayloadRef
			inst.CreatedAt = ev.At
		} else if !ev.At.After(inst.UpdatedAt) {
			return inst, fmt.Errorf("replay: instance %s seq %d: timestamp did not advance", ev.InstanceID, ev.Seq)
		}

		inst.State = ev.To
		inst.Attempts = ev.Attempt
		inst.Seq = ev.Seq
		inst.UpdatedAt = ev.At
	}

	return inst, nil
}

func reachable(from domain.State, kind domain.EventKind, to domain.State) bool {
	for _, s := range Targets(from, kind) {
		if s == to {
			return true
		}
	}
	return false
}
