// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/store"
)

var _ store.Store = (*Store)(nil)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a new PostgreSQL store. opTimeout bounds every statement;
// zero disables the bound.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Migrate creates the jobs table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, querySchema)
	return err
}

func (s *Store) Insert(ctx context.Context, job domain.Job) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertJob, jobArgs(job)...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("job %s: %w", job.Config.ID, domain.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, job domain.Job) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryUpsertJob, jobArgs(job)...)
	return err
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn and writes
// the result back in the same transaction.
func (s *Store) Update(ctx context.Context, id string, fn store.UpdateFunc) (domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, queryGetJobForUpdate, id))
	if err != nil {
		return domain.Job{}, notFound(id, err)
	}

	if err := fn(&job); err != nil {
		return domain.Job{}, err
	}

	if _, err := tx.ExecContext(ctx, queryUpsertJob, jobArgs(job)...); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) Remove(ctx context.Context, id string) (domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	job, err := scanJob(s.db.QueryRowContext(ctx, queryDeleteJob, id))
	if err != nil {
		return domain.Job{}, notFound(id, err)
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	job, err := scanJob(s.db.QueryRowContext(ctx, queryGetJob, id))
	if err != nil {
		return domain.Job{}, notFound(id, err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListJobs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (s *Store) Close() error { return nil }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var timeoutMs int64
	var schedType, outcome string
	var expiresAt, lastAt sql.NullTime

	err := row.Scan(
		&job.Config.ID,
		&job.Config.URL,
		&timeoutMs,
		&schedType,
		&job.Scheduling.Value,
		&job.Scheduling.StartAt,
		&job.Scheduling.Consumed,
		&job.Lock.Locked,
		&expiresAt,
		&job.Lock.Token,
		&outcome,
		&lastAt,
		&job.LastRun.StatusCode,
		&job.LastRun.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	job.Config.Timeout = time.Duration(timeoutMs) * time.Millisecond
	job.Scheduling.Type = domain.ScheduleType(schedType)
	job.Scheduling.StartAt = job.Scheduling.StartAt.UTC()
	job.LastRun.Outcome = domain.Outcome(outcome)
	if expiresAt.Valid {
		job.Lock.ExpiresAt = expiresAt.Time.UTC()
	}
	if lastAt.Valid {
		job.LastRun.At = lastAt.Time.UTC()
	}
	return job, nil
}

func jobArgs(job domain.Job) []any {
	return []any{
		job.Config.ID,
		job.Config.URL,
		job.Config.Timeout.Milliseconds(),
		string(job.Scheduling.Type),
		job.Scheduling.Value,
		job.Scheduling.StartAt,
		job.Scheduling.Consumed,
		job.Lock.Locked,
		nullTime(job.Lock.ExpiresAt),
		job.Lock.Token,
		string(job.LastRun.Outcome),
		nullTime(job.LastRun.At),
		job.LastRun.StatusCode,
		job.LastRun.Error,
		job.CreatedAt,
		job.UpdatedAt,
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func notFound(id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return err
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
