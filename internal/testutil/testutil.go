// Package testutil provides shared test helpers for easysched.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// CronJob returns an unlocked cron job due at startAt with a one minute
// timeout.
func CronJob(id, expr string, startAt time.Time) domain.Job {
	return domain.Job{
		Config: domain.JobConfig{ID: id, URL: "http://example.com/hooks/" + id, Timeout: time.Minute},
		Scheduling: domain.Scheduling{
			Type:    domain.ScheduleTypeCron,
			Value:   expr,
			StartAt: startAt,
		},
		CreatedAt: startAt,
		UpdatedAt: startAt,
	}
}

// WakeupJob returns an unlocked wakeup job targeting at with a one minute
// timeout.
func WakeupJob(id string, at time.Time) domain.Job {
	return domain.Job{
		Config: domain.JobConfig{ID: id, URL: "http://example.com/hooks/" + id, Timeout: time.Minute},
		Scheduling: domain.Scheduling{
			Type:    domain.ScheduleTypeWakeup,
			Value:   at.UTC().Format(time.RFC3339Nano),
			StartAt: at,
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
}
