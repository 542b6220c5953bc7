// Package sqlite implements store.Store on an embedded SQLite database.
// Jobs are stored as JSON records keyed by id.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/store"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var _ store.Store = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. busyTimeout is passed to PRAGMA busy_timeout when positive.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, job domain.Job) error {
	data, err := store.Marshal(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sched_jobs(id, start_at, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		job.Config.ID, job.Scheduling.StartAt.UnixMilli(), string(data), job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job.Config.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, job domain.Job) error {
	return upsert(ctx, s.db, job)
}

func (s *Store) Update(ctx context.Context, id string, fn store.UpdateFunc) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job, err := get(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if err := fn(&job); err != nil {
		return domain.Job{}, err
	}
	if err := upsert(ctx, tx, job); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) Remove(ctx context.Context, id string) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job, err := get(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sched_jobs WHERE id = ?`, id); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	return get(ctx, s.db, id)
}

func (s *Store) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sched_jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		job, err := store.Unmarshal([]byte(data))
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

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, id string) (domain.Job, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM sched_jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, err
	}
	return store.Unmarshal([]byte(data))
}

func upsert(ctx context.Context, q querier, job domain.Job) error {
	data, err := store.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO sched_jobs(id, start_at, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET start_at=excluded.start_at, data=excluded.data, updated_at=excluded.updated_at`,
		job.Config.ID, job.Scheduling.StartAt.UnixMilli(), string(data), job.UpdatedAt.UnixMilli(),
	)
	return err
}
