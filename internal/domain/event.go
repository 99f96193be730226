package domain

import "time"

type EventID string

type EventKind string

const (
	EventCreated    EventKind = "created"
	EventDispatched EventKind = "dispatched"
	EventAck        EventKind = "ack"
	EventNack       EventKind = "nack"
	EventTimeout    EventKind = "timeout"
	EventRequeue    EventKind = "requeue"
	EventArchive    EventKind = "archive"
	EventCancel     EventKind = "cancel"
	EventForceFail  EventKind = "force_fail"
	EventResolve    EventKind = "resolve"
)

// Resolution is the operator verdict on an in-doubt instance.
type Resolution string

const (
	ResolutionSuccess Resolution = "success"
	ResolutionFailure Resolution = "failure"
)

func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionSuccess, ResolutionFailure:
		return Resolution(s), nil
	}
	return "", ErrInvalidArgument
}

// Event is one append-only ledger entry for an instance.
type Event struct {
	ID           EventID
	InstanceID   InstanceID
	DefinitionID DefinitionID
	Seq          int64

	Kind EventKind
	From State // empty for EventCreated
	To   State

	Attempt   int
	Retryable bool

	Resolution Resolution
	OperatorID string
	Note       string

	// Detail carries connector or system context (error text, status code).
	Detail string

	// PayloadRef is set on EventCreated so replay can rebuild the instance.
	PayloadRef string
	ClusterID  ClusterID

	At time.Time
}
