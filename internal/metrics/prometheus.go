package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Tracker metrics
	transitionsTotal *prometheus.CounterVec
	rejectedTotal    *prometheus.CounterVec
	overridesTotal   *prometheus.CounterVec

	// Dispatcher metrics
	attemptsTotal      *prometheus.CounterVec
	attemptDuration    prometheus.Histogram
	retriesTotal       prometheus.Counter
	deferredTotal      *prometheus.CounterVec
	dispatchesInFlight prometheus.Gauge

	// Queue metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Reconciler metrics
	reconcileActionsTotal *prometheus.CounterVec
	reconcileDuration     prometheus.Histogram
	instances             *prometheus.GaugeVec

	// Leader election metrics
	isLeader          prometheus.Gauge
	leaderAcquisTotal prometheus.Counter
	leaderLostTotal   *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Metrics that fail to register still work but are not exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initTrackerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initQueueMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initTrackerMetrics(reg prometheus.Registerer) {
	s.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveryguard_transitions_total",
		Help: "Total number of committed instance state transitions.",
	}, []string{"from", "to"})
	s.rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveryguard_transitions_rejected_total",
		Help: "Total number of events the state machine rejected.",
	}, []string{"event"})
	s.overridesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveryguard_operator_overrides_total",
		Help: "Total number of operator resolutions, cancels and forced failures.",
	}, []string{"action"})

	s.register(reg, s.transitionsTotal, "deliveryguard_transitions_total")
	s.register(reg, s.rejectedTotal, "deliveryguard_transitions_rejected_total")
	s.register(reg, s.overridesTotal, "deliveryguard_operator_overrides_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveryguard_dispatcher_attempts_total",
		Help: "Total number of delivery attempts by connector result.",
	}, []string{"result"})

	s.attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deliveryguard_dispatcher_attempt_duration_seconds",
		Help:    "Connector call latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveryguard_dispatcher_retries_scheduled_total",
		Help: "Total number of retries scheduled after a retryable failure.",
	})

	s.deferredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveryguard_dispatcher_deferred_total",
		Help: "Total number of dispatches postponed without an attempt.",
	}, []string{"reason"})

	s.dispatchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deliveryguard_dispatcher_in_flight",
		Help: "Number of dispatch requests currently being processed.",
	})

	s.register(reg, s.attemptsTotal, "deliveryguard_dispatcher_attempts_total")
	s.register(reg, s.attemptDuration, "deliveryguard_dispatcher_attempt_duration_seconds")
	s.register(reg, s.retriesTotal, "deliveryguard_dispatcher_retries_scheduled_total")
	s.register(reg, s.deferredTotal, "deliveryguard_dispatcher_deferred_total")
	s.register(reg, s.dispatchesInFlight, "deliveryguard_dispatcher_in_flight")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deliveryguard_queue_buffer_size",
		Help: "Current number of dispatch requests in the queue buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deliveryguard_queue_buffer_capacity",
		Help: "Capacity of the dispatch queue buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deliveryguard_queue_buffer_saturation",
		Help: "Queue buffer fill ratio between 0 and 1.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveryguard_queue_emit_errors_total",
		Help: "Total number of emit errors (buffer full or cancelled).",
	})

	s.register(reg, s.bufferSize, "deliveryguard_queue_buffer_size")
	s.register(reg, s.bufferCapacity, "deliveryguard_queue_buffer_capacity")
	s.register(reg, s.bufferSaturation, "deliveryguard_queue_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "deliveryguard_queue_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconcileActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveryguard_reconciler_actions_total",
		Help: "Total number of reconciler corrections by action.",
	}, []string{"action"})
	s.reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deliveryguard_reconciler_cycle_duration_seconds",
		Help:    "Duration of each reconciler cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.instances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deliveryguard_instances",
		Help: "Instances per counter bucket across all live definitions.",
	}, []string{"bucket"})

	s.register(reg, s.reconcileActionsTotal, "deliveryguard_reconciler_actions_total")
	s.register(reg, s.reconcileDuration, "deliveryguard_reconciler_cycle_duration_seconds")
	s.register(reg, s.instances, "deliveryguard_instances")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deliveryguard_leader_is_leader",
		Help: "1 while this process holds the leader lock.",
	})
	s.leaderAcquisTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveryguard_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveryguard_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "deliveryguard_leader_is_leader")
	s.register(reg, s.leaderAcquisTotal, "deliveryguard_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "deliveryguard_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Tracker metrics implementation

func (s *PrometheusSink) TransitionApplied(from, to string) {
	s.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (s *PrometheusSink) TransitionRejected(kind string) {
	s.rejectedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) OperatorOverride(action string) {
	s.overridesTotal.WithLabelValues(action).Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) AttemptCompleted(result string, duration time.Duration) {
	s.attemptsTotal.WithLabelValues(result).Inc()
	s.attemptDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RetryScheduled() {
	s.retriesTotal.Inc()
}

func (s *PrometheusSink) DispatchDeferred(reason string) {
	s.deferredTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) DispatchesInFlightIncr() {
	s.dispatchesInFlight.Inc()
}

func (s *PrometheusSink) DispatchesInFlightDecr() {
	s.dispatchesInFlight.Dec()
}

// Queue metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) ReconcileAction(action string) {
	s.reconcileActionsTotal.WithLabelValues(action).Inc()
}

func (s *PrometheusSink) ReconcileCycle(duration time.Duration) {
	s.reconcileDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) InstancesByBucket(inProgress, inDoubt, archSuccess, archFailed int64) {
	s.instances.WithLabelValues(BucketInProgress).Set(float64(inProgress))
	s.instances.WithLabelValues(BucketInDoubt).Set(float64(inDoubt))
	s.instances.WithLabelValues(BucketArchSuccess).Set(float64(archSuccess))
	s.instances.WithLabelValues(BucketArchFailed).Set(float64(archFailed))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
