package domain

import "time"

type ScheduleType string

const (
	ScheduleTypeCron   ScheduleType = "cron"
	ScheduleTypeWakeup ScheduleType = "wakeup"
)

// Valid reports whether t is one of the known schedule types.
func (t ScheduleType) Valid() bool {
	return t == ScheduleTypeCron || t == ScheduleTypeWakeup
}

// Scheduling describes when a job fires.
//
// For cron jobs Value is a six-field expression and StartAt is the next
// computed fire instant. For wakeup jobs Value is the target timestamp and
// StartAt is that instant. Consumed is set once a wakeup's single delivery
// has started, or once a cron expression has no further occurrence; the
// scheduler never fires a consumed job again.
type Scheduling struct {
	Type     ScheduleType
	Value    string
	StartAt  time.Time
	Consumed bool
}

// Pending reports whether the scheduler should still consider the job.
func (s Scheduling) Pending() bool {
	return !s.Consumed
}
