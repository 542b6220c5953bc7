package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	jobsFiredTotal  prometheus.Counter
	tickDuration    prometheus.Histogram
	scheduleLag     prometheus.Histogram
	jobsPending     prometheus.Gauge

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	shortCircuitedTotal   prometheus.Counter
	eventsInFlight        prometheus.Gauge
	circuitsOpenedTotal   prometheus.Counter

	// Lock metrics
	locksAcquiredTotal prometheus.Counter
	lockConflictsTotal prometheus.Counter
	locksReleasedTotal *prometheus.CounterVec
	locksExpiredTotal  prometheus.Counter

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Leader election metrics
	isLeader           prometheus.Gauge
	leaderAcquisitions prometheus.Counter
	leaderLossesTotal  *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Collectors that fail to register keep counting but are not exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initLockMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_scheduler_ticks_total",
		Help: "Total number of scheduler passes over due jobs.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_scheduler_tick_errors_total",
		Help: "Total number of scheduler passes that failed.",
	})
	s.jobsFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_scheduler_jobs_fired_total",
		Help: "Total number of jobs locked and dispatched by the scheduler.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easysched_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler pass in seconds.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
	s.scheduleLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easysched_scheduler_lag_seconds",
		Help:    "Delay between a job's start time and its dispatch in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.jobsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easysched_scheduler_jobs_pending",
		Help: "Number of jobs with a pending schedule.",
	})

	s.register(reg, s.ticksTotal, "easysched_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "easysched_scheduler_tick_errors_total")
	s.register(reg, s.jobsFiredTotal, "easysched_scheduler_jobs_fired_total")
	s.register(reg, s.tickDuration, "easysched_scheduler_tick_duration_seconds")
	s.register(reg, s.scheduleLag, "easysched_scheduler_lag_seconds")
	s.register(reg, s.jobsPending, "easysched_scheduler_jobs_pending")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easysched_dispatcher_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easysched_dispatcher_delivery_outcomes_total",
		Help: "Total number of completed delivery cycles by outcome.",
	}, []string{"outcome"})

	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easysched_dispatcher_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easysched_dispatcher_retry_attempts_total",
		Help: "Total number of retry decisions after a failed attempt.",
	}, []string{"retryable"})

	s.shortCircuitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_dispatcher_short_circuited_total",
		Help: "Total number of deliveries skipped by an open circuit.",
	})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easysched_dispatcher_events_in_flight",
		Help: "Number of events currently being processed.",
	})

	s.circuitsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_circuitbreaker_opened_total",
		Help: "Total number of times a receiver circuit opened.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "easysched_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "easysched_dispatcher_delivery_outcomes_total")
	s.register(reg, s.webhookDuration, "easysched_dispatcher_webhook_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "easysched_dispatcher_retry_attempts_total")
	s.register(reg, s.shortCircuitedTotal, "easysched_dispatcher_short_circuited_total")
	s.register(reg, s.eventsInFlight, "easysched_dispatcher_events_in_flight")
	s.register(reg, s.circuitsOpenedTotal, "easysched_circuitbreaker_opened_total")
}

func (s *PrometheusSink) initLockMetrics(reg prometheus.Registerer) {
	s.locksAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_lock_acquired_total",
		Help: "Total number of job locks acquired.",
	})
	s.lockConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_lock_conflicts_total",
		Help: "Total number of acquisitions refused because a live lock was held.",
	})
	s.locksReleasedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easysched_lock_released_total",
		Help: "Total number of job locks released by reason.",
	}, []string{"reason"})
	s.locksExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_lock_expired_total",
		Help: "Total number of locks found past expiry by the sweeper.",
	})

	s.register(reg, s.locksAcquiredTotal, "easysched_lock_acquired_total")
	s.register(reg, s.lockConflictsTotal, "easysched_lock_conflicts_total")
	s.register(reg, s.locksReleasedTotal, "easysched_lock_released_total")
	s.register(reg, s.locksExpiredTotal, "easysched_lock_expired_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easysched_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easysched_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easysched_eventbus_buffer_saturation",
		Help: "Fraction of the event bus buffer in use.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "easysched_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "easysched_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "easysched_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "easysched_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easysched_leader_is_leader",
		Help: "1 if this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquisitions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easysched_leader_acquisitions_total",
		Help: "Total number of times this instance became leader.",
	})
	s.leaderLossesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easysched_leader_losses_total",
		Help: "Total number of leadership losses by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "easysched_leader_is_leader")
	s.register(reg, s.leaderAcquisitions, "easysched_leader_acquisitions_total")
	s.register(reg, s.leaderLossesTotal, "easysched_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, jobsFired int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.jobsFiredTotal.Add(float64(jobsFired))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ScheduleLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	s.scheduleLag.Observe(lag.Seconds())
}

func (s *PrometheusSink) JobsPending(count int) {
	s.jobsPending.Set(float64(count))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) DeliveryShortCircuited() {
	s.shortCircuitedTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) CircuitOpened() {
	s.circuitsOpenedTotal.Inc()
}

// Lock metrics implementation

func (s *PrometheusSink) LockAcquired() {
	s.locksAcquiredTotal.Inc()
}

func (s *PrometheusSink) LockConflict() {
	s.lockConflictsTotal.Inc()
}

func (s *PrometheusSink) LockReleased(reason string) {
	s.locksReleasedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) LocksExpired(count int) {
	s.locksExpiredTotal.Add(float64(count))
}

// EventBus metrics implementation

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

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisitions.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLossesTotal.WithLabelValues(reason).Inc()
}
