// Package memory implements store.Store in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps jobs in a map. domain.Job holds only values, so copies handed
// out never alias stored state.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func New() *Store {
	return &Store{jobs: make(map[string]domain.Job)}
}

func (s *Store) Insert(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Config.ID]; ok {
		return fmt.Errorf("job %s: %w", job.Config.ID, domain.ErrConflict)
	}
	s.jobs[job.Config.ID] = job
	return nil
}

func (s *Store) Upsert(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Config.ID] = job
	return nil
}

func (s *Store) Update(_ context.Context, id string, fn store.UpdateFunc) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err := fn(&job); err != nil {
		return domain.Job{}, err
	}
	s.jobs[id] = job
	return job, nil
}

func (s *Store) Remove(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	delete(s.jobs, id)
	return job, nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

func (s *Store) List(_ context.Context) ([]domain.Job, error) {
	s.mu.RLock()
	result := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		result = append(result, job)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Config.ID < result[j].Config.ID })
	return result, nil
}

func (s *Store) Close() error { return nil }
