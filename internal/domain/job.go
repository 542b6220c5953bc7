package domain

import "time"

// JobConfig is the immutable part of a job definition.
type JobConfig struct {
	ID      string
	URL     string
	Timeout time.Duration
}

// Lock marks a dispatch in flight. Token identifies the acquisition that
// holds it so that late completions of an older dispatch cannot release a
// newer one.
type Lock struct {
	Locked    bool
	ExpiresAt time.Time
	Token     string
}

// Held reports whether the lock is in force at now.
func (l Lock) Held(now time.Time) bool {
	return l.Locked && now.Before(l.ExpiresAt)
}

// Expired reports whether the lock is still set but past its expiry.
func (l Lock) Expired(now time.Time) bool {
	return l.Locked && !now.Before(l.ExpiresAt)
}

// Run records the most recent completed delivery of a job.
type Run struct {
	Outcome    Outcome
	At         time.Time
	StatusCode int
	Error      string
}

type Job struct {
	Config     JobConfig
	Scheduling Scheduling
	Lock       Lock

	LastRun Run

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ID is shorthand for j.Config.ID.
func (j Job) ID() string {
	return j.Config.ID
}
