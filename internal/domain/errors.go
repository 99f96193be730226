package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested definition or instance does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName indicates a definition with the same name already
	// exists in the cluster.
	ErrDuplicateName = errors.New("duplicate definition name")

	// ErrInUse is returned when deleting a definition that still has open instances.
	ErrInUse = errors.New("definition in use")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotInDoubt        = errors.New("instance is not in doubt")
	ErrPolicyExhausted   = errors.New("retry policy exhausted")
	ErrConnectorTimeout  = errors.New("connector acknowledgment timed out")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict indicates the instance changed between read and write.
	ErrConflict = errors.New("concurrent modification")
)

// TransitionError records a rejected or policy-driven transition with the
// context needed for reconciliation.
type TransitionError struct {
	InstanceID InstanceID
	From       State
	Kind       EventKind
	Err        error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: %s from %s: %v", e.InstanceID, e.Kind, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
