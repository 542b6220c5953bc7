package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// Record is the serialized form of a job used by the sqlite and redis
// backends. Timestamps are epoch milliseconds.
type Record struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Timeout int64  `json:"timeout_ms"`

	Type     string `json:"type"`
	Value    string `json:"value"`
	StartAt  int64  `json:"start_at"`
	Consumed bool   `json:"consumed,omitempty"`

	Locked    bool   `json:"locked,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Token     string `json:"token,omitempty"`

	LastOutcome    string `json:"last_outcome,omitempty"`
	LastAt         int64  `json:"last_at,omitempty"`
	LastStatusCode int    `json:"last_status_code,omitempty"`
	LastError      string `json:"last_error,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

func ToRecord(j domain.Job) Record {
	return Record{
		ID:             j.Config.ID,
		URL:            j.Config.URL,
		Timeout:        j.Config.Timeout.Milliseconds(),
		Type:           string(j.Scheduling.Type),
		Value:          j.Scheduling.Value,
		StartAt:        millis(j.Scheduling.StartAt),
		Consumed:       j.Scheduling.Consumed,
		Locked:         j.Lock.Locked,
		ExpiresAt:      millis(j.Lock.ExpiresAt),
		Token:          j.Lock.Token,
		LastOutcome:    string(j.LastRun.Outcome),
		LastAt:         millis(j.LastRun.At),
		LastStatusCode: j.LastRun.StatusCode,
		LastError:      j.LastRun.Error,
		CreatedAt:      millis(j.CreatedAt),
		UpdatedAt:      millis(j.UpdatedAt),
	}
}

func (r Record) Job() domain.Job {
	return domain.Job{
		Config: domain.JobConfig{
			ID:      r.ID,
			URL:     r.URL,
			Timeout: time.Duration(r.Timeout) * time.Millisecond,
		},
		Scheduling: domain.Scheduling{
			Type:     domain.ScheduleType(r.Type),
			Value:    r.Value,
			StartAt:  fromMillis(r.StartAt),
			Consumed: r.Consumed,
		},
		Lock: domain.Lock{
			Locked:    r.Locked,
			ExpiresAt: fromMillis(r.ExpiresAt),
			Token:     r.Token,
		},
		LastRun: domain.Run{
			Outcome:    domain.Outcome(r.LastOutcome),
			At:         fromMillis(r.LastAt),
			StatusCode: r.LastStatusCode,
			Error:      r.LastError,
		},
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

// Marshal encodes a job as a JSON record.
func Marshal(j domain.Job) ([]byte, error) {
	return json.Marshal(ToRecord(j))
}

// Unmarshal decodes a JSON record into a job.
func Unmarshal(data []byte) (domain.Job, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.Job{}, fmt.Errorf("decode job record: %w", err)
	}
	return r.Job(), nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
