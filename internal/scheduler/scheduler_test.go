package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/easy-sched/internal/cron"
	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/lockmanager"
	"github.com/djlord-it/easy-sched/internal/store/memory"
	"github.com/djlord-it/easy-sched/internal/testutil"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// mockEmitter records emitted events and can be made to fail.
type mockEmitter struct {
	mu     sync.Mutex
	events []domain.DispatchEvent
	err    error
	ch     chan domain.DispatchEvent
}

func (e *mockEmitter) Emit(ctx context.Context, event domain.DispatchEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	if e.ch != nil {
		e.ch <- event
	}
	return nil
}

func (e *mockEmitter) getEvents() []domain.DispatchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]domain.DispatchEvent, len(e.events))
	copy(result, e.events)
	return result
}

type harness struct {
	sched   *Scheduler
	store   *memory.Store
	locks   *lockmanager.Manager
	emitter *mockEmitter
	clock   *testutil.FakeClock
}

func newHarness(t *testing.T, jobs ...domain.Job) *harness {
	t.Helper()
	s := memory.New()
	for _, j := range jobs {
		if err := s.Insert(context.Background(), j); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	clock := testutil.NewFakeClock(t0)
	locks := lockmanager.New(s, time.Minute).WithClock(clock.Now)
	emitter := &mockEmitter{}
	sched := New(Config{}, s, locks, cron.NewEvaluator(cron.NewParser()), emitter).WithClock(clock.Now)
	return &harness{sched: sched, store: s, locks: locks, emitter: emitter, clock: clock}
}

func (h *harness) get(t *testing.T, id string) domain.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s failed: %v", id, err)
	}
	return j
}

func TestScheduler_FiresDueCronJob(t *testing.T) {
	h := newHarness(t, testutil.CronJob("j1", "*/5 * * * * *", t0))
	ctx := testutil.TestContext(t)

	next := h.sched.processDue(ctx)

	events := h.emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.JobID != "j1" || ev.Reason != domain.DispatchReasonSchedule {
		t.Errorf("event = %+v", ev)
	}
	if !ev.ScheduledAt.Equal(t0) {
		t.Errorf("ScheduledAt = %s, want %s", ev.ScheduledAt, t0)
	}

	job := h.get(t, "j1")
	if !job.Lock.Held(t0) || job.Lock.Token != ev.Token {
		t.Errorf("lock = %+v, want held with event token", job.Lock)
	}
	if want := t0.Add(5 * time.Second); !job.Scheduling.StartAt.Equal(want) {
		t.Errorf("StartAt = %s, want %s (advanced at dispatch)", job.Scheduling.StartAt, want)
	}
	if !ev.ExpiresAt.Equal(job.Lock.ExpiresAt) {
		t.Errorf("event ExpiresAt = %s, want %s", ev.ExpiresAt, job.Lock.ExpiresAt)
	}
	// The next look is at the advanced startAt.
	if want := t0.Add(5 * time.Second); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}
}

func TestScheduler_FutureJobNotFired(t *testing.T) {
	at := t0.Add(2 * time.Second)
	h := newHarness(t, testutil.WakeupJob("w1", at))

	next := h.sched.processDue(testutil.TestContext(t))

	if n := len(h.emitter.getEvents()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
	if !next.Equal(at) {
		t.Errorf("next = %s, want %s", next, at)
	}
}

func TestScheduler_LockedDueJobSkipped(t *testing.T) {
	h := newHarness(t, testutil.CronJob("j1", "*/5 * * * * *", t0))
	ctx := testutil.TestContext(t)

	held, err := h.locks.Acquire(ctx, "j1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	next := h.sched.processDue(ctx)

	if n := len(h.emitter.getEvents()); n != 0 {
		t.Errorf("locked job must not fire, got %d events", n)
	}
	if !next.IsZero() {
		t.Errorf("next = %s, want zero: the release wakes the loop", next)
	}
	if job := h.get(t, "j1"); !job.Scheduling.StartAt.Equal(t0) {
		t.Errorf("skipped job StartAt changed to %s", job.Scheduling.StartAt)
	}

	// After release the job is still due and fires.
	h.locks.Release(ctx, "j1", held.Lock.Token)
	h.sched.processDue(ctx)
	if n := len(h.emitter.getEvents()); n != 1 {
		t.Errorf("expected 1 event after release, got %d", n)
	}
}

func TestScheduler_WakeupFiresOnce(t *testing.T) {
	h := newHarness(t, testutil.WakeupJob("w1", t0))
	ctx := testutil.TestContext(t)

	h.sched.processDue(ctx)
	job := h.get(t, "w1")
	if !job.Scheduling.Consumed {
		t.Error("wakeup should be consumed after firing")
	}

	h.locks.ForceRelease(ctx, "w1")
	h.clock.Advance(time.Minute)
	next := h.sched.processDue(ctx)

	if n := len(h.emitter.getEvents()); n != 1 {
		t.Errorf("expected exactly 1 event, got %d", n)
	}
	if !next.IsZero() {
		t.Errorf("next = %s, want zero (nothing pending)", next)
	}
}

func TestScheduler_EmitErrorRestoresJob(t *testing.T) {
	h := newHarness(t, testutil.WakeupJob("w1", t0))
	h.emitter.err = errors.New("buffer full")
	ctx := testutil.TestContext(t)

	h.sched.processDue(ctx)

	job := h.get(t, "w1")
	if job.Lock.Locked {
		t.Error("lock should be released after emit failure")
	}
	if job.Scheduling.Consumed {
		t.Error("wakeup should not stay consumed after emit failure")
	}

	h.emitter.err = nil
	h.sched.processDue(ctx)
	if n := len(h.emitter.getEvents()); n != 1 {
		t.Errorf("expected retry to emit 1 event, got %d", n)
	}
}

func TestScheduler_FiresInStartAtOrder(t *testing.T) {
	h := newHarness(t,
		testutil.WakeupJob("c", t0.Add(-1*time.Second)),
		testutil.WakeupJob("a", t0.Add(-3*time.Second)),
		testutil.WakeupJob("b", t0.Add(-2*time.Second)),
		testutil.WakeupJob("later", t0.Add(time.Hour)),
	)

	h.sched.processDue(testutil.TestContext(t))

	events := h.emitter.getEvents()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"a", "b", "c"} {
		if events[i].JobID != want {
			t.Errorf("events[%d] = %s, want %s", i, events[i].JobID, want)
		}
	}
}

func TestScheduler_UnknownTypeNotFired(t *testing.T) {
	bad := testutil.CronJob("bad", "*/5 * * * * *", t0)
	bad.Scheduling.Type = "interval"
	h := newHarness(t, bad)

	h.sched.processDue(testutil.TestContext(t))

	if n := len(h.emitter.getEvents()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
	if h.get(t, "bad").Lock.Locked {
		t.Error("aborted fire must not leave a lock")
	}
}

// Scenario: a five second cron observed for eleven seconds, with every
// delivery completing immediately, fires exactly twice.
func TestScheduler_CronCadence(t *testing.T) {
	created := t0.Add(500 * time.Millisecond)
	first := t0.Add(5 * time.Second)
	h := newHarness(t, testutil.CronJob("j1", "*/5 * * * * *", first))
	h.clock.Set(created)
	ctx := testutil.TestContext(t)

	for elapsed := time.Duration(0); elapsed <= 11*time.Second; elapsed += 100 * time.Millisecond {
		h.clock.Set(created.Add(elapsed))
		h.sched.processDue(ctx)
		for _, ev := range h.emitter.getEvents() {
			h.locks.Release(ctx, ev.JobID, ev.Token)
		}
	}

	if n := len(h.emitter.getEvents()); n != 2 {
		t.Errorf("expected 2 calls in 11s for a 5s cadence, got %d", n)
	}
}

func TestScheduler_WakeCoalesces(t *testing.T) {
	h := newHarness(t)

	h.sched.Wake()
	h.sched.Wake()
	h.sched.Wake()

	if n := len(h.sched.wake); n != 1 {
		t.Errorf("pending wakes = %d, want 1", n)
	}
}

func TestScheduler_SleepFor(t *testing.T) {
	h := newHarness(t)
	h.sched.config.MaxIdle = 10 * time.Second

	tests := []struct {
		name string
		next time.Time
		want time.Duration
	}{
		{"nothing pending", time.Time{}, 10 * time.Second},
		{"past", t0.Add(-time.Second), 0},
		{"soon", t0.Add(2 * time.Second), 2 * time.Second},
		{"capped", t0.Add(time.Hour), 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.sched.sleepFor(tt.next); got != tt.want {
				t.Errorf("sleepFor(%s) = %s, want %s", tt.next, got, tt.want)
			}
		})
	}
}

func TestScheduler_RunFiresOnTimeAndOnWake(t *testing.T) {
	s := memory.New()
	locks := lockmanager.New(s, time.Minute)
	emitter := &mockEmitter{ch: make(chan domain.DispatchEvent, 4)}
	sched := New(Config{MaxIdle: time.Hour}, s, locks, cron.NewEvaluator(cron.NewParser()), emitter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	// Created after the loop went to sleep; Wake makes it notice.
	time.Sleep(20 * time.Millisecond)
	s.Insert(context.Background(), testutil.WakeupJob("w1", time.Now().Add(50*time.Millisecond)))
	sched.Wake()

	select {
	case ev := <-emitter.ch:
		if ev.JobID != "w1" {
			t.Errorf("fired %s, want w1", ev.JobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wakeup job did not fire")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
