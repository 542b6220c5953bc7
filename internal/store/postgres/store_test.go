package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/easy-sched/internal/domain"
)

func TestIsDuplicateKeyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"foreign key violation", &pq.Error{Code: "23503"}, false},
		{"plain error", errors.New("duplicate key"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDuplicateKeyError(tt.err); got != tt.want {
				t.Errorf("isDuplicateKeyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	if err := notFound("j1", sql.ErrNoRows); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("notFound(ErrNoRows) = %v, want ErrNotFound", err)
	}
	other := errors.New("connection reset")
	if err := notFound("j1", other); err != other {
		t.Errorf("notFound(other) = %v, want passthrough", err)
	}
}

// fakeRow feeds scanJob with fixed column values.
type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations, %d values", len(dest), len(r.values))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int64:
			*p = r.values[i].(int64)
		case *int:
			*p = r.values[i].(int)
		case *bool:
			*p = r.values[i].(bool)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case *sql.NullTime:
			*p = r.values[i].(sql.NullTime)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func TestJobArgsRoundTripThroughScan(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	job := domain.Job{
		Config: domain.JobConfig{ID: "j1", URL: "http://example.com/hook", Timeout: 60 * time.Second},
		Scheduling: domain.Scheduling{
			Type:    domain.ScheduleTypeWakeup,
			Value:   "1705312800000",
			StartAt: now,
		},
		Lock:      domain.Lock{Locked: true, ExpiresAt: now.Add(time.Minute), Token: "tok"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	args := jobArgs(job)
	if n := strings.Count(jobColumns, ",") + 1; len(args) != n {
		t.Fatalf("jobArgs returned %d values for %d columns", len(args), n)
	}

	got, err := scanJob(fakeRow{values: args})
	if err != nil {
		t.Fatalf("scanJob failed: %v", err)
	}
	if got.Config != job.Config {
		t.Errorf("Config = %+v, want %+v", got.Config, job.Config)
	}
	if got.Scheduling.Type != domain.ScheduleTypeWakeup {
		t.Errorf("Type = %q, want wakeup", got.Scheduling.Type)
	}
	if !got.Lock.ExpiresAt.Equal(job.Lock.ExpiresAt) {
		t.Errorf("ExpiresAt = %s, want %s", got.Lock.ExpiresAt, job.Lock.ExpiresAt)
	}
	if !got.LastRun.At.IsZero() {
		t.Errorf("LastRun.At = %s, want zero", got.LastRun.At)
	}
}
