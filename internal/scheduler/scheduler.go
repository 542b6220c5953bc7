// Package scheduler decides when jobs become due and hands them to the
// dispatcher.
//
// A single goroutine sleeps until the earliest pending startAt or until
// Wake is called. On each wake it takes a store snapshot, orders it in a
// min-heap, and fires every due job whose lock is free. Jobs that are due
// but locked stay due; releasing the lock wakes the loop again.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/store"
)

// DefaultMaxIdle bounds how long the loop sleeps when nothing is pending.
const DefaultMaxIdle = time.Minute

type Store interface {
	List(ctx context.Context) ([]domain.Job, error)
}

// Locker acquires and releases per-job delivery locks.
type Locker interface {
	AcquireFunc(ctx context.Context, id string, timeout time.Duration, fn store.UpdateFunc) (domain.Job, error)
	ReleaseFunc(ctx context.Context, id, token string, fn store.UpdateFunc) (domain.Job, bool, error)
}

type Evaluator interface {
	NextFireTime(s domain.Scheduling, after time.Time) (time.Time, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.DispatchEvent) error
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, jobsFired int, err error)
	ScheduleLag(lag time.Duration)
	JobsPending(count int)
}

// errNotDue aborts an acquisition when the job changed after the snapshot.
var errNotDue = errors.New("job no longer due")

type Config struct {
	// MaxIdle is the longest the loop sleeps between snapshots.
	// Default: 1 minute.
	MaxIdle time.Duration
}

type Scheduler struct {
	config    Config
	store     Store
	locker    Locker
	evaluator Evaluator
	emitter   EventEmitter
	clock     func() time.Time
	wake      chan struct{}
	metrics   MetricsSink
}

func New(config Config, store Store, locker Locker, evaluator Evaluator, emitter EventEmitter) *Scheduler {
	if config.MaxIdle <= 0 {
		config.MaxIdle = DefaultMaxIdle
	}
	return &Scheduler{
		config:    config,
		store:     store,
		locker:    locker,
		evaluator: evaluator,
		emitter:   emitter,
		clock:     time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Wake asks the loop to re-read the store. It never blocks, and wakes
// requested while one is pending are coalesced.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts the scheduling loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	log.Printf("scheduler: started, max_idle=%s", s.config.MaxIdle)

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next := s.processDue(ctx)
		timer.Reset(s.sleepFor(next))
	}
}

// sleepFor returns the delay until next, capped by MaxIdle.
func (s *Scheduler) sleepFor(next time.Time) time.Duration {
	if next.IsZero() {
		return s.config.MaxIdle
	}
	d := next.Sub(s.clock())
	if d < 0 {
		d = 0
	}
	if d > s.config.MaxIdle {
		d = s.config.MaxIdle
	}
	return d
}

// processDue fires every due, unlocked job and returns the instant at
// which the loop should look again (zero when nothing is pending).
func (s *Scheduler) processDue(ctx context.Context) time.Time {
	start := s.clock()
	now := start.UTC()
	if s.metrics != nil {
		s.metrics.TickStarted()
	}

	jobs, err := s.store.List(ctx)
	if err != nil {
		err = fmt.Errorf("list jobs: %w", err)
		log.Printf("scheduler: tick error: %v", err)
		if s.metrics != nil {
			s.metrics.TickCompleted(s.clock().Sub(start), 0, err)
		}
		// Retry after a short pause instead of sleeping for MaxIdle.
		return now.Add(time.Second)
	}

	q := newQueue(jobs)
	if s.metrics != nil {
		s.metrics.JobsPending(q.Len())
	}

	var next time.Time
	earliest := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	fired := 0
	for q.Len() > 0 && !q.peek().Scheduling.StartAt.After(now) {
		job := heap.Pop(q).(domain.Job)

		if job.Lock.Locked {
			// Delivery pending, or expired and awaiting the sweeper's
			// timeout completion. Either release wakes the loop.
			continue
		}

		if updated, ok := s.fire(ctx, job, now); ok {
			fired++
			if updated.Scheduling.Pending() {
				earliest(updated.Scheduling.StartAt)
			}
		}
	}

	if q.Len() > 0 {
		earliest(q.peek().Scheduling.StartAt)
	}

	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock().Sub(start), fired, nil)
	}
	return next
}

// fire locks a due job, advances its schedule and emits a DispatchEvent.
// It returns the updated job and whether an event was emitted.
func (s *Scheduler) fire(ctx context.Context, job domain.Job, now time.Time) (domain.Job, bool) {
	id := job.ID()
	prev := job.Scheduling

	locked, err := s.locker.AcquireFunc(ctx, id, 0, func(j *domain.Job) error {
		// The snapshot may be stale; re-check under the store's atomicity.
		if !j.Scheduling.Pending() || j.Scheduling.StartAt.After(now) {
			return errNotDue
		}
		prev = j.Scheduling
		return s.advance(j, now)
	})
	if err != nil {
		switch {
		case errors.Is(err, errNotDue), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			// Raced with a completion, an admin action or a delete.
		default:
			log.Printf("scheduler: job %s lock error: %v", id, err)
		}
		return domain.Job{}, false
	}

	event := domain.DispatchEvent{
		JobID:       id,
		Token:       locked.Lock.Token,
		Reason:      domain.DispatchReasonSchedule,
		ScheduledAt: prev.StartAt,
		FiredAt:     now,
		ExpiresAt:   locked.Lock.ExpiresAt,
	}

	if err := s.emitter.Emit(ctx, event); err != nil {
		log.Printf("scheduler: job %s emit error: %v", id, err)
		// Undo the dispatch so the occurrence is retried.
		_, _, rerr := s.locker.ReleaseFunc(ctx, id, locked.Lock.Token, func(j *domain.Job) error {
			j.Scheduling = prev
			return nil
		})
		if rerr != nil {
			log.Printf("scheduler: job %s release after emit error: %v", id, rerr)
		}
		return domain.Job{}, false
	}

	if s.metrics != nil {
		s.metrics.ScheduleLag(now.Sub(prev.StartAt))
	}
	log.Printf("scheduler: fired job=%s type=%s scheduled_at=%s next=%s",
		id, locked.Scheduling.Type, prev.StartAt.Format(time.RFC3339Nano), describeNext(locked.Scheduling))
	return locked, true
}

// advance moves a fired job's schedule forward. Cron jobs get their next
// occurrence after now; wakeups are marked consumed.
func (s *Scheduler) advance(j *domain.Job, now time.Time) error {
	switch j.Scheduling.Type {
	case domain.ScheduleTypeCron:
		next, err := s.evaluator.NextFireTime(j.Scheduling, now)
		if err != nil {
			// Nothing further to schedule; fire this occurrence and stop.
			log.Printf("scheduler: job %s has no next occurrence: %v", j.ID(), err)
			j.Scheduling.Consumed = true
			return nil
		}
		j.Scheduling.StartAt = next
	case domain.ScheduleTypeWakeup:
		j.Scheduling.Consumed = true
	default:
		return fmt.Errorf("job %s: unknown schedule type %q: %w", j.ID(), j.Scheduling.Type, domain.ErrInvalidSchedule)
	}
	return nil
}

func describeNext(s domain.Scheduling) string {
	if s.Consumed {
		return "none"
	}
	return s.StartAt.Format(time.RFC3339Nano)
}
