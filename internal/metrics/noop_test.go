package metrics

import (
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	// Scheduler metrics
	s.TickStarted()
	s.TickCompleted(100*time.Millisecond, 5, nil)
	s.ScheduleLag(10 * time.Millisecond)
	s.JobsPending(3)

	// Dispatcher metrics
	s.DeliveryAttemptCompleted(1, StatusClass2xx, 200*time.Millisecond)
	s.DeliveryOutcome("success")
	s.RetryAttempt(true)
	s.RetryAttempt(false)
	s.DeliveryShortCircuited()
	s.EventsInFlightIncr()
	s.EventsInFlightDecr()

	// EventBus metrics
	s.BufferSizeUpdate(10)
	s.BufferCapacitySet(100)
	s.BufferSaturationUpdate(0.1)
	s.EmitError()

	// Lock metrics
	s.LockAcquired()
	s.LockConflict()
	s.LockReleased("completed")
	s.LocksExpired(2)

	s.CircuitOpened()
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
