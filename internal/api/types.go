package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// JobDefinition is the create/reschedule payload. Timeout is milliseconds.
type JobDefinition struct {
	Config     ConfigPayload     `json:"config"`
	Scheduling SchedulingPayload `json:"scheduling"`
}

type ConfigPayload struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Timeout int64  `json:"timeout"`
}

type SchedulingPayload struct {
	Type  string        `json:"type"`
	Value scheduleValue `json:"value"`
}

// scheduleValue accepts a JSON string or number so that wakeup targets
// may be sent as bare epoch milliseconds.
type scheduleValue string

func (v *scheduleValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = scheduleValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value must be a string or number")
	}
	*v = scheduleValue(n.String())
	return nil
}

// IDRequest is the body of delete and job-action calls.
type IDRequest struct {
	ID string `json:"id"`
}

// JobResponse is the wire form of a job. Times are epoch milliseconds.
type JobResponse struct {
	Config     ConfigPayload      `json:"config"`
	Scheduling SchedulingResponse `json:"scheduling"`
	Lock       LockResponse       `json:"lock"`
	LastRun    *RunResponse       `json:"lastRun,omitempty"`
}

type SchedulingResponse struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	StartAt  int64  `json:"startAt"`
	Consumed bool   `json:"consumed,omitempty"`
}

type LockResponse struct {
	Locked    bool  `json:"locked"`
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

type RunResponse struct {
	Outcome    string `json:"outcome"`
	At         int64  `json:"at"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

type AckResponse struct {
	ID    string `json:"id"`
	Acked bool   `json:"acked"`
}

type TriggerResponse struct {
	ID         string `json:"id"`
	Triggered  bool   `json:"triggered"`
	DeliveryID string `json:"deliveryId"`
}

type UnlockResponse struct {
	ID       string `json:"id"`
	Unlocked bool   `json:"unlocked"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// toResponse renders job as seen at now; locked reports whether the lock
// is still in force.
func toResponse(job domain.Job, now time.Time) JobResponse {
	resp := JobResponse{
		Config: ConfigPayload{
			ID:      job.Config.ID,
			URL:     job.Config.URL,
			Timeout: job.Config.Timeout.Milliseconds(),
		},
		Scheduling: SchedulingResponse{
			Type:     string(job.Scheduling.Type),
			Value:    job.Scheduling.Value,
			StartAt:  job.Scheduling.StartAt.UnixMilli(),
			Consumed: job.Scheduling.Consumed,
		},
	}
	if job.Lock.Held(now) {
		resp.Lock = LockResponse{Locked: true, ExpiresAt: job.Lock.ExpiresAt.UnixMilli()}
	}
	if job.LastRun.Outcome != "" {
		resp.LastRun = &RunResponse{
			Outcome:    string(job.LastRun.Outcome),
			At:         job.LastRun.At.UnixMilli(),
			StatusCode: job.LastRun.StatusCode,
			Error:      job.LastRun.Error,
		}
	}
	return resp
}
