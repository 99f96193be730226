// Package fsm holds the delivery instance state machine.
//
// Every legal move is listed in an explicit table keyed by (state, event
// kind). Anything not in the table is rejected. IN_DOUBT can only be left
// through a resolve event; the machine never picks an outcome for it.
package fsm

import (
	"fmt"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

// timestampStep is the minimum advance applied when a clock does not move
// between two transitions. Microseconds survive a Postgres round trip.
const timestampStep = time.Microsecond

type rule struct {
	to domain.State

	// Alternatives, empty when the rule has none.
	whenExhausted domain.State // attempts reached policy max
	whenPermanent domain.State // nack flagged non-retryable
	whenFailure   domain.State // resolve with failure
}

func (r rule) targets() []domain.State {
	out := []domain.State{r.to}
	for _, s := range []domain.State{r.whenExhausted, r.whenPermanent, r.whenFailure} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

var table = map[domain.State]map[domain.EventKind]rule{
	"": {
		domain.EventCreated: {to: domain.StateQueued},
	},
	domain.StateQueued: {
		domain.EventDispatched: {to: domain.StateInProgress, whenExhausted: domain.StateArchivedFailed},
		domain.EventCancel:     {to: domain.StateArchivedFailed},
		domain.EventForceFail:  {to: domain.StateArchivedFailed},
	},
	domain.StateInProgress: {
		domain.EventAck:       {to: domain.StateConfirmed},
		domain.EventNack:      {to: domain.StateFailedRetryable, whenExhausted: domain.StateArchivedFailed, whenPermanent: domain.StateArchivedFailed},
		domain.EventTimeout:   {to: domain.StateInDoubt},
		domain.EventForceFail: {to: domain.StateArchivedFailed},
	},
	domain.StateFailedRetryable: {
		domain.EventRequeue:   {to: domain.StateQueued, whenExhausted: domain.StateArchivedFailed},
		domain.EventCancel:    {to: domain.StateArchivedFailed},
		domain.EventForceFail: {to: domain.StateArchivedFailed},
	},
	domain.StateConfirmed: {
		domain.EventArchive: {to: domain.StateArchivedSuccess},
	},
	domain.StateInDoubt: {
		domain.EventResolve: {to: domain.StateArchivedSuccess, whenFailure: domain.StateArchivedFailed},
	},
}

// Allowed reports whether kind is accepted in state from.
func Allowed(from domain.State, kind domain.EventKind) bool {
	_, ok := table[from][kind]
	return ok
}

// Targets returns every state reachable from (from, kind), or nil.
func Targets(from domain.State, kind domain.EventKind) []domain.State {
	r, ok := table[from][kind]
	if !ok {
		return nil
	}
	return r.targets()
}

// Result is the outcome of applying one event.
type Result struct {
	Instance domain.Instance
	Event    domain.Event

	// Exhausted is set when the policy's max attempts redirected the
	// transition to ARCHIVED_FAILED.
	Exhausted bool
}

// Apply validates ev against the current instance and returns the next
// instance together with the completed event. The input is not modified.
//
// The caller supplies ev.ID, ev.Kind, ev.At and the kind-specific fields
// (Retryable, Resolution, OperatorID, Note, Detail). Apply fills in
// From, To, Seq, Attempt and the instance/definition references.
//
// For EventCreated, inst carries the new instance's identity (ID,
// DefinitionID, ClusterID, PayloadRef) and an empty State.
func Apply(inst domain.Instance, ev domain.Event, policy domain.RetryPolicy) (Result, error) {
	from := inst.State
	r, ok := table[from][ev.Kind]
	if !ok {
		return Result{}, reject(inst, ev.Kind)
	}

	attempts := inst.Attempts
	to := r.to
	exhausted := false

	switch ev.Kind {
	case domain.EventDispatched:
		if attempts >= policy.MaxAttempts {
			to, exhausted = r.whenExhausted, true
		} else {
			attempts++
		}
	case domain.EventNack:
		switch {
		case !ev.Retryable:
			to = r.whenPermanent
		case attempts >= policy.MaxAttempts:
			to, exhausted = r.whenExhausted, true
		}
	case domain.EventRequeue:
		if attempts >= policy.MaxAttempts {
			to, exhausted = r.whenExhausted, true
		}
	case domain.EventResolve:
		switch ev.Resolution {
		case domain.ResolutionSuccess:
		case domain.ResolutionFailure:
			to = r.whenFailure
		default:
			return Result{}, fmt.Errorf("%w: unknown resolution %q", domain.ErrInvalidArgument, ev.Resolution)
		}
	}

	at := ev.At.UTC().Truncate(timestampStep)
	if from != "" && !at.After(inst.UpdatedAt) {
		at = inst.UpdatedAt.Add(timestampStep)
	}

	next := inst
	next.State = to
	next.Attempts = attempts
	next.Seq = inst.Seq + 1
	next.UpdatedAt = at
	if from == "" {
		next.CreatedAt = at
	}

	ev.InstanceID = inst.ID
	ev.DefinitionID = inst.DefinitionID
	ev.ClusterID = inst.ClusterID
	ev.Seq = next.Seq
	ev.From = from
	ev.To = to
	ev.Attempt = attempts
	ev.At = at
	if ev.Kind == domain.EventCreated {
		ev.PayloadRef = inst.PayloadRef
	}

	return Result{Instance: next, Event: ev, Exhausted: exhausted}, nil
}

func reject(inst domain.Instance, kind domain.EventKind) error {
	sentinel := domain.ErrInvalidTransition
	if kind == domain.EventResolve {
		sentinel = domain.ErrNotInDoubt
	}
	return &domain.TransitionError{
		InstanceID: inst.ID,
		From:       inst.State,
		Kind:       kind,
		Err:        sentinel,
	}
}
