package domain

import "time"

// DispatchRequest asks the dispatcher to attempt delivery of a queued
// instance. Requests may be duplicated; the ledger rejects stale ones.
type DispatchRequest struct {
	InstanceID   InstanceID
	DefinitionID DefinitionID
	EnqueuedAt   time.Time
}
