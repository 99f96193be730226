// Package metrics exposes deliveryguard metrics. Each component declares the
// narrow MetricsSink it needs; Sink is the union the process wires in.
package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Tracker metrics
	TransitionApplied(from, to string)
	TransitionRejected(kind string)
	OperatorOverride(action string)

	// Dispatcher metrics
	AttemptCompleted(result string, duration time.Duration)
	RetryScheduled()
	DispatchDeferred(reason string)
	DispatchesInFlightIncr()
	DispatchesInFlightDecr()

	// Queue metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Reconciler metrics
	ReconcileAction(action string)
	ReconcileCycle(duration time.Duration)
	InstancesByBucket(inProgress, inDoubt, archSuccess, archFailed int64)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Bucket label values for the instances gauge.
const (
	BucketInProgress  = "in_progress"
	BucketInDoubt     = "in_doubt"
	BucketArchSuccess = "arch_success"
	BucketArchFailed  = "arch_failed"
)
