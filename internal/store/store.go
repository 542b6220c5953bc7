// Package store defines the job registry shared by the scheduler, the lock
// manager, the dispatcher and the admin API.
//
// Every read and write of a job goes through a Store. Implementations make
// each operation atomic with respect to a single job id, and List returns
// a consistent snapshot: a job is either fully written or not visible.
package store

import (
	"context"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// UpdateFunc mutates a job in place. Returning an error aborts the update
// and leaves the stored job unchanged.
type UpdateFunc func(job *domain.Job) error

type Store interface {
	// Insert adds a new job. Fails with domain.ErrConflict if the id exists.
	Insert(ctx context.Context, job domain.Job) error
	// Upsert writes job, overwriting any existing record with the same id.
	Upsert(ctx context.Context, job domain.Job) error
	// Update applies fn to the stored job atomically and returns the result.
	Update(ctx context.Context, id string, fn UpdateFunc) (domain.Job, error)
	// Remove deletes the job and returns the record it held.
	Remove(ctx context.Context, id string) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	// List returns all jobs ordered by id.
	List(ctx context.Context) ([]domain.Job, error)
	Close() error
}
