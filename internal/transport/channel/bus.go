// Package channel hands DispatchEvents from the scheduler and the admin
// API to the dispatcher over a buffered Go channel.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// ErrBufferFull is returned when no buffer space frees up within the
// emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink defines the interface for recording event bus metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout sets how long Emit waits for buffer space.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

// WithMetrics attaches a metrics sink to the bus.
func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) { b.metrics = sink }
}

type EventBus struct {
	ch          chan domain.DispatchEvent
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.DispatchEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit enqueues event. It fails with ErrBufferFull when the buffer stays
// full for the emit timeout, or with ctx.Err() when ctx ends first.
func (b *EventBus) Emit(ctx context.Context, event domain.DispatchEvent) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.recordSize()
		return nil
	case <-ctx.Done():
		b.recordError()
		return ctx.Err()
	case <-timer.C:
		b.recordError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.DispatchEvent {
	return b.ch
}

// Len returns the number of buffered events.
func (b *EventBus) Len() int {
	return len(b.ch)
}

func (b *EventBus) recordSize() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *EventBus) recordError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
