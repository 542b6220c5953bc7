package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/djlord-it/easy-sched/internal/cron"
	"github.com/djlord-it/easy-sched/internal/dispatcher"
	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/testutil"
)

// silentSender never reaches a receiver; these tests complete deliveries
// by hand.
type silentSender struct{}

func (silentSender) Send(ctx context.Context, req dispatcher.WebhookRequest) dispatcher.WebhookResult {
	return dispatcher.WebhookResult{StatusCode: 200}
}

func newCompletingHarness(t *testing.T, jobs ...domain.Job) (*harness, *dispatcher.Dispatcher) {
	t.Helper()
	h := newHarness(t, jobs...)
	d := dispatcher.New(dispatcher.Config{Secret: "abc"}, h.store, h.locks,
		cron.NewEvaluator(cron.NewParser()), h.emitter, silentSender{}).
		WithClock(h.clock.Now)
	return h, d
}

func countReasons(events []domain.DispatchEvent) (scheduled, triggered int) {
	for _, ev := range events {
		switch ev.Reason {
		case domain.DispatchReasonSchedule:
			scheduled++
		case domain.DispatchReasonTrigger:
			triggered++
		}
	}
	return scheduled, triggered
}

// An occurrence that falls due while a triggered delivery holds the lock
// fires once that delivery completes.
func TestScheduler_OccurrenceDueDuringTriggerFiresAfterComplete(t *testing.T) {
	due := t0.Add(5 * time.Second)
	h, d := newCompletingHarness(t, testutil.CronJob("j1", "*/5 * * * * *", due))
	ctx := testutil.TestContext(t)

	h.clock.Set(due.Add(-100 * time.Millisecond))
	trig, err := d.Trigger(ctx, "j1")
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	h.clock.Set(due.Add(100 * time.Millisecond))
	h.sched.processDue(ctx)
	if scheduled, _ := countReasons(h.emitter.getEvents()); scheduled != 0 {
		t.Fatalf("locked job fired %d times", scheduled)
	}

	h.clock.Set(due.Add(200 * time.Millisecond))
	won, err := d.Complete(ctx, "j1", trig.Token, dispatcher.Completion{Outcome: domain.OutcomeSuccess, StatusCode: 200})
	if err != nil || !won {
		t.Fatalf("Complete = %v, %v; want true, nil", won, err)
	}
	if job := h.get(t, "j1"); !job.Scheduling.StartAt.Equal(due) {
		t.Fatalf("StartAt after completion = %s, want the pending occurrence %s", job.Scheduling.StartAt, due)
	}

	h.sched.processDue(ctx)

	scheduled, triggered := countReasons(h.emitter.getEvents())
	if scheduled != 1 || triggered != 1 {
		t.Errorf("scheduled=%d triggered=%d, want 1 and 1", scheduled, triggered)
	}
	if job := h.get(t, "j1"); !job.Scheduling.StartAt.Equal(t0.Add(10 * time.Second)) {
		t.Errorf("StartAt = %s, want next occurrence %s", job.Scheduling.StartAt, t0.Add(10*time.Second))
	}
}

// A completion with nothing pending keeps the next occurrence chosen at
// fire time.
func TestScheduler_CompleteKeepsFutureOccurrence(t *testing.T) {
	h, d := newCompletingHarness(t, testutil.CronJob("j1", "*/5 * * * * *", t0))
	ctx := testutil.TestContext(t)

	h.sched.processDue(ctx)
	events := h.emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	h.clock.Advance(time.Second)
	if _, err := d.Complete(ctx, "j1", events[0].Token, dispatcher.Completion{Outcome: domain.OutcomeSuccess}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if job := h.get(t, "j1"); !job.Scheduling.StartAt.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("StartAt = %s, want %s", job.Scheduling.StartAt, t0.Add(5*time.Second))
	}
}

// A lock that reaches its expiry is left to the sweeper, which records the
// timeout; the scheduler does not take it over.
func TestScheduler_ExpiredLockLeftToSweeper(t *testing.T) {
	job := testutil.CronJob("j1", "*/5 * * * * *", t0)
	job.Config.Timeout = 7 * time.Second
	h, d := newCompletingHarness(t, job)
	ctx := testutil.TestContext(t)

	h.sched.processDue(ctx)
	if n := len(h.emitter.getEvents()); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}

	h.clock.Set(t0.Add(7 * time.Second))
	h.sched.processDue(ctx)
	if n := len(h.emitter.getEvents()); n != 1 {
		t.Fatalf("scheduler took over an expired lock: %d events", n)
	}

	h.clock.Set(t0.Add(7500 * time.Millisecond))
	expired, err := h.locks.Expired(ctx)
	if err != nil {
		t.Fatalf("Expired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired locks = %d, want 1", len(expired))
	}
	if err := d.Expire(ctx, expired[0]); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	got := h.get(t, "j1")
	if got.Lock.Locked {
		t.Error("lock still held after expiry completion")
	}
	if got.LastRun.Outcome != domain.OutcomeTimeout {
		t.Errorf("LastRun.Outcome = %q, want timeout", got.LastRun.Outcome)
	}

	// The occurrence that fell due at :05 fires on the release wake.
	h.sched.processDue(ctx)
	if n := len(h.emitter.getEvents()); n != 2 {
		t.Errorf("expected the pending occurrence to fire, got %d events", n)
	}
}
