package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func event(id, token string, reason domain.DispatchReason) domain.DispatchEvent {
	return domain.DispatchEvent{
		JobID:       id,
		Token:       token,
		Reason:      reason,
		ScheduledAt: t0,
		FiredAt:     t0.Add(20 * time.Millisecond),
		ExpiresAt:   t0.Add(time.Minute),
	}
}

// recordingSink keeps every value the bus reports.
type recordingSink struct {
	mu         sync.Mutex
	capacity   int
	sizes      []int
	saturation []float64
	errors     int
}

func (m *recordingSink) BufferSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, size)
}

func (m *recordingSink) BufferCapacitySet(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = capacity
}

func (m *recordingSink) BufferSaturationUpdate(saturation float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saturation = append(m.saturation, saturation)
}

func (m *recordingSink) EmitError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// The dispatcher relies on the token and lock expiry surviving the hand-off
// unchanged: they fence completions and bound the delivery.
func TestEventBus_PreservesFencingFields(t *testing.T) {
	bus := NewEventBus(2)
	sent := event("j1", "tok-1", domain.DispatchReasonTrigger)

	if err := bus.Emit(context.Background(), sent); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	got := <-bus.Channel()
	if got != sent {
		t.Errorf("received %+v, want %+v", got, sent)
	}
}

// Events from one producer arrive in emission order, so a trigger emitted
// after a scheduled fire for another job is not reordered ahead of it.
func TestEventBus_FIFO(t *testing.T) {
	bus := NewEventBus(3)
	ctx := context.Background()
	want := []domain.DispatchEvent{
		event("a", "t-a", domain.DispatchReasonSchedule),
		event("b", "t-b", domain.DispatchReasonSchedule),
		event("c", "t-c", domain.DispatchReasonTrigger),
	}
	for _, ev := range want {
		if err := bus.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit %s failed: %v", ev.JobID, err)
		}
	}

	for i, w := range want {
		if got := <-bus.Channel(); got.Token != w.Token {
			t.Errorf("event %d token = %s, want %s", i, got.Token, w.Token)
		}
	}
}

// A full buffer blocks the scheduler only until the dispatcher takes an
// event, not for the whole emit timeout.
func TestEventBus_EmitWaitsForDrain(t *testing.T) {
	bus := NewEventBus(1, WithEmitTimeout(2*time.Second))
	ctx := context.Background()
	bus.Emit(ctx, event("j1", "t1", domain.DispatchReasonSchedule))

	go func() {
		time.Sleep(30 * time.Millisecond)
		<-bus.Channel()
	}()

	start := time.Now()
	if err := bus.Emit(ctx, event("j2", "t2", domain.DispatchReasonSchedule)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("Emit waited %s, want it to return once space freed", waited)
	}
	if got := (<-bus.Channel()).JobID; got != "j2" {
		t.Errorf("buffered job = %s, want j2", got)
	}
}

func TestEventBus_EmitFailures(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()

	tests := []struct {
		name    string
		ctx     context.Context
		timeout time.Duration
		wantErr error
	}{
		{"emit timeout", context.Background(), 20 * time.Millisecond, ErrBufferFull},
		{"caller cancelled", cancelled, time.Second, context.Canceled},
		{"caller deadline", expired, time.Second, context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			bus := NewEventBus(1, WithEmitTimeout(tt.timeout), WithMetrics(sink))
			bus.Emit(context.Background(), event("j1", "t1", domain.DispatchReasonSchedule))

			err := bus.Emit(tt.ctx, event("j2", "t2", domain.DispatchReasonSchedule))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Emit error = %v, want %v", err, tt.wantErr)
			}
			if sink.errors != 1 {
				t.Errorf("EmitError calls = %d, want 1", sink.errors)
			}
			if bus.Len() != 1 {
				t.Errorf("Len = %d, want the failed event dropped", bus.Len())
			}
		})
	}
}

func TestEventBus_SaturationMetrics(t *testing.T) {
	sink := &recordingSink{}
	bus := NewEventBus(4, WithMetrics(sink))
	ctx := context.Background()

	if sink.capacity != 4 {
		t.Errorf("capacity = %d, want 4", sink.capacity)
	}

	for i, id := range []string{"a", "b", "c"} {
		bus.Emit(ctx, event(id, "t-"+id, domain.DispatchReasonSchedule))
		if got := sink.sizes[i]; got != i+1 {
			t.Errorf("size after emit %d = %d, want %d", i+1, got, i+1)
		}
	}

	want := []float64{0.25, 0.5, 0.75}
	for i, w := range want {
		if sink.saturation[i] != w {
			t.Errorf("saturation[%d] = %v, want %v", i, sink.saturation[i], w)
		}
	}
}

// An unbuffered bus hands events straight to a waiting dispatcher and
// never reports saturation.
func TestEventBus_Unbuffered(t *testing.T) {
	sink := &recordingSink{}
	bus := NewEventBus(0, WithEmitTimeout(time.Second), WithMetrics(sink))

	received := make(chan domain.DispatchEvent, 1)
	go func() { received <- <-bus.Channel() }()

	if err := bus.Emit(context.Background(), event("j1", "t1", domain.DispatchReasonTrigger)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if got := <-received; got.Token != "t1" {
		t.Errorf("token = %s, want t1", got.Token)
	}
	if len(sink.saturation) != 0 {
		t.Errorf("saturation reported for an unbuffered bus: %v", sink.saturation)
	}
}

func TestEventBus_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 50
	bus := NewEventBus(producers * perProducer)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := bus.Emit(ctx, event("j", string(rune('a'+p)), domain.DispatchReasonSchedule)); err != nil {
					t.Errorf("Emit failed: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	if got := bus.Len(); got != producers*perProducer {
		t.Errorf("Len = %d, want %d", got, producers*perProducer)
	}
}

func TestEventBus_DefaultEmitTimeout(t *testing.T) {
	if bus := NewEventBus(1); bus.emitTimeout != DefaultEmitTimeout {
		t.Errorf("emitTimeout = %v, want %v", bus.emitTimeout, DefaultEmitTimeout)
	}
}
