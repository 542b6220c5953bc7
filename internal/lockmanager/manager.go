// Package lockmanager owns the per-job delivery lock.
//
// A lock is held from dispatch until it is released or its expiresAt
// passes. Each acquisition carries a fresh token; releases that present a
// stale token are no-ops, so exactly one of {success, ack, expiry sweep}
// completes a given dispatch even when they race.
package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/store"
)

// Release reasons reported to metrics.
const (
	ReasonCompleted = "completed"
	ReasonForced    = "forced"
	ReasonExpired   = "expired"
)

// MetricsSink defines the interface for recording lock metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LockAcquired()
	LockConflict()
	LockReleased(reason string)
}

// errNotHeld aborts a release whose token does not own the lock.
var errNotHeld = errors.New("lock not held by token")

type Manager struct {
	store          store.Store
	defaultTimeout time.Duration
	clock          func() time.Time
	newToken       func() string
	onRelease      func(id string)
	metrics        MetricsSink
}

// New creates a Manager. defaultTimeout is used for jobs whose configured
// timeout is zero.
func New(s store.Store, defaultTimeout time.Duration) *Manager {
	return &Manager{
		store:          s,
		defaultTimeout: defaultTimeout,
		clock:          time.Now,
		newToken:       func() string { return uuid.NewString() },
	}
}

// WithClock replaces the time source. Used by tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithMetrics attaches a metrics sink to the manager.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// OnRelease registers fn to run after every successful release. The
// scheduler uses it to re-evaluate jobs that were due while locked.
func (m *Manager) OnRelease(fn func(id string)) *Manager {
	m.onRelease = fn
	return m
}

// Now returns the manager's current time in UTC.
func (m *Manager) Now() time.Time {
	return m.clock().UTC()
}

// Acquire locks the job for timeout (the job's configured timeout when
// zero). It fails with domain.ErrConflict if a live lock is held; an
// expired lock is taken over.
func (m *Manager) Acquire(ctx context.Context, id string, timeout time.Duration) (domain.Job, error) {
	return m.AcquireFunc(ctx, id, timeout, nil)
}

// AcquireFunc is Acquire that also applies fn to the job in the same
// atomic update, after the lock is set. An error from fn aborts the
// acquisition.
func (m *Manager) AcquireFunc(ctx context.Context, id string, timeout time.Duration, fn store.UpdateFunc) (domain.Job, error) {
	now := m.Now()
	token := m.newToken()
	tookOver := false

	job, err := m.store.Update(ctx, id, func(j *domain.Job) error {
		if j.Lock.Held(now) {
			return fmt.Errorf("job %s locked until %s: %w",
				id, j.Lock.ExpiresAt.Format(time.RFC3339), domain.ErrConflict)
		}
		tookOver = j.Lock.Locked

		d := timeout
		if d <= 0 {
			d = j.Config.Timeout
		}
		if d <= 0 {
			d = m.defaultTimeout
		}

		j.Lock = domain.Lock{Locked: true, ExpiresAt: now.Add(d), Token: token}
		j.UpdatedAt = now
		if fn != nil {
			return fn(j)
		}
		return nil
	})
	if err != nil {
		if m.metrics != nil && errors.Is(err, domain.ErrConflict) {
			m.metrics.LockConflict()
		}
		return domain.Job{}, err
	}

	if tookOver {
		if m.metrics != nil {
			m.metrics.LockReleased(ReasonExpired)
		}
	}
	if m.metrics != nil {
		m.metrics.LockAcquired()
	}
	return job, nil
}

// Release unlocks the job if token owns the lock. An empty token releases
// any holder. It reports whether this call performed the release;
// releasing an unlocked job is a no-op, never an error. Unknown ids fail
// with domain.ErrNotFound.
func (m *Manager) Release(ctx context.Context, id, token string) (bool, error) {
	_, released, err := m.ReleaseFunc(ctx, id, token, nil)
	return released, err
}

// ForceRelease unlocks the job regardless of which dispatch holds it.
func (m *Manager) ForceRelease(ctx context.Context, id string) (bool, error) {
	_, released, err := m.release(ctx, id, "", nil, ReasonForced)
	return released, err
}

// ReleaseFunc is Release that applies fn in the same atomic update when
// this call wins the release. It returns the resulting job.
func (m *Manager) ReleaseFunc(ctx context.Context, id, token string, fn store.UpdateFunc) (domain.Job, bool, error) {
	return m.release(ctx, id, token, fn, ReasonCompleted)
}

func (m *Manager) release(ctx context.Context, id, token string, fn store.UpdateFunc, reason string) (domain.Job, bool, error) {
	now := m.Now()

	job, err := m.store.Update(ctx, id, func(j *domain.Job) error {
		if !j.Lock.Locked {
			return errNotHeld
		}
		if token != "" && j.Lock.Token != token {
			return errNotHeld
		}
		j.Lock = domain.Lock{}
		j.UpdatedAt = now
		if fn != nil {
			return fn(j)
		}
		return nil
	})
	if errors.Is(err, errNotHeld) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}

	if m.metrics != nil {
		m.metrics.LockReleased(reason)
	}
	if m.onRelease != nil {
		m.onRelease(id)
	}
	return job, true, nil
}

// Expired returns the jobs whose lock has passed expiresAt without
// being released.
func (m *Manager) Expired(ctx context.Context) ([]domain.Job, error) {
	jobs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.Now()

	var result []domain.Job
	for _, j := range jobs {
		if j.Lock.Expired(now) {
			result = append(result, j)
		}
	}
	return result, nil
}
