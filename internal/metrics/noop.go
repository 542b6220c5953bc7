package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                              {}
func (n *NoopSink) TickCompleted(duration time.Duration, jobsFired int, err error)            {}
func (n *NoopSink) ScheduleLag(lag time.Duration)                                             {}
func (n *NoopSink) JobsPending(count int)                                                     {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
func (n *NoopSink) DeliveryShortCircuited()                                                   {}
func (n *NoopSink) EventsInFlightIncr()                                                       {}
func (n *NoopSink) EventsInFlightDecr()                                                       {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                 {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                            {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                                 {}
func (n *NoopSink) EmitError()                                                                {}
func (n *NoopSink) LockAcquired()                                                             {}
func (n *NoopSink) LockConflict()                                                             {}
func (n *NoopSink) LockReleased(reason string)                                                {}
func (n *NoopSink) LocksExpired(count int)                                                    {}
func (n *NoopSink) CircuitOpened()                                                            {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                         {}
func (n *NoopSink) LeaderAcquired()                                                           {}
func (n *NoopSink) LeaderLost(reason string)                                                  {}
