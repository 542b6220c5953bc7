package domain

import "time"

// Outcome is the result of a completed delivery cycle.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeAcked            Outcome = "acked"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeTransportFailure Outcome = "transport_failure"
	OutcomeRejected         Outcome = "rejected"
)

// Delivered reports whether the receiver accepted the call.
func (o Outcome) Delivered() bool {
	return o == OutcomeSuccess || o == OutcomeAcked
}

// DispatchReason tells the receiver why it is being called.
type DispatchReason string

const (
	DispatchReasonSchedule DispatchReason = "schedule"
	DispatchReasonTrigger  DispatchReason = "trigger"
)

// DispatchEvent hands a locked job to the dispatcher.
type DispatchEvent struct {
	JobID  string
	Token  string // lock token acquired for this dispatch
	Reason DispatchReason

	ScheduledAt time.Time // startAt that made the job due; zero for triggers
	FiredAt     time.Time
	ExpiresAt   time.Time // lock expiry; bounds the whole delivery
}
