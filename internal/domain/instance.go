package domain

import "time"

type InstanceID string

type State string

const (
	StateQueued          State = "QUEUED"
	StateInProgress      State = "IN_PROGRESS"
	StateConfirmed       State = "CONFIRMED"
	StateInDoubt         State = "IN_DOUBT"
	StateFailedRetryable State = "FAILED_RETRYABLE"
	StateArchivedSuccess State = "ARCHIVED_SUCCESS"
	StateArchivedFailed  State = "ARCHIVED_FAILED"
)

// States lists every state in lifecycle order.
var States = []State{
	StateQueued,
	StateInProgress,
	StateConfirmed,
	StateInDoubt,
	StateFailedRetryable,
	StateArchivedSuccess,
	StateArchivedFailed,
}

func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrInvalidArgument
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateArchivedSuccess || s == StateArchivedFailed
}

// IsOpen reports whether the instance still awaits a final outcome.
// CONFIRMED is not open: the delivery succeeded and only archiving remains.
func (s State) IsOpen() bool {
	switch s {
	case StateQueued, StateInProgress, StateInDoubt, StateFailedRetryable:
		return true
	}
	return false
}

// Instance is the current state of one logical delivery, derived from its
// ledger events.
type Instance struct {
	ID           InstanceID
	DefinitionID DefinitionID
	ClusterID    ClusterID

	State      State
	PayloadRef string // opaque handle to the message body
	Attempts   int

	// Seq is the ledger sequence of the last applied event.
	Seq int64

	CreatedAt time.Time
	UpdatedAt time.Time
}
