package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TransitionApplied(from, to string)                   {}
func (n *NoopSink) TransitionRejected(kind string)                      {}
func (n *NoopSink) OperatorOverride(action string)                      {}
func (n *NoopSink) AttemptCompleted(result string, d time.Duration)     {}
func (n *NoopSink) RetryScheduled()                                     {}
func (n *NoopSink) DispatchDeferred(reason string)                      {}
func (n *NoopSink) DispatchesInFlightIncr()                             {}
func (n *NoopSink) DispatchesInFlightDecr()                             {}
func (n *NoopSink) BufferSizeUpdate(size int)                           {}
func (n *NoopSink) BufferCapacitySet(capacity int)                      {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)           {}
func (n *NoopSink) EmitError()                                          {}
func (n *NoopSink) ReconcileAction(action string)                       {}
func (n *NoopSink) ReconcileCycle(d time.Duration)                      {}
func (n *NoopSink) InstancesByBucket(inProgress, inDoubt, as, af int64) {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                   {}
func (n *NoopSink) LeaderAcquired()                                     {}
func (n *NoopSink) LeaderLost(reason string)                            {}
