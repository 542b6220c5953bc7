// Package redis implements store.Store on Redis. Each job is a JSON record
// under its own key, and a set tracks the known ids.
//
// Update and Remove use optimistic transactions (WATCH/MULTI/EXEC) and
// retry when another writer touches the same key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/store"
)

var _ store.Store = (*Store)(nil)

const defaultPrefix = "easysched:"

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 16

var errTxContention = errors.New("redis: too much contention on job key")

// Store implements store.Store using Redis. The caller owns the client.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New creates a Redis-backed store. An empty prefix selects "easysched:".
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

func (s *Store) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *Store) idsKey() string          { return s.prefix + "jobs" }

func (s *Store) Insert(ctx context.Context, job domain.Job) error {
	data, err := store.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.jobKey(job.Config.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: insert job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", job.Config.ID, domain.ErrConflict)
	}
	if err := s.client.SAdd(ctx, s.idsKey(), job.Config.ID).Err(); err != nil {
		return fmt.Errorf("redis: index job: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, job domain.Job) error {
	data, err := store.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(job.Config.ID), data, 0)
		pipe.SAdd(ctx, s.idsKey(), job.Config.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: upsert job: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, fn store.UpdateFunc) (domain.Job, error) {
	key := s.jobKey(id)
	var result domain.Job

	txf := func(tx *goredis.Tx) error {
		job, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		data, err := store.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			result = job
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return domain.Job{}, err
	}
	return result, nil
}

func (s *Store) Remove(ctx context.Context, id string) (domain.Job, error) {
	key := s.jobKey(id)
	var removed domain.Job

	txf := func(tx *goredis.Tx) error {
		job, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.idsKey(), id)
			return nil
		})
		if err == nil {
			removed = job
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return domain.Job{}, err
	}
	return removed, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.read(ctx, s.client, id)
}

func (s *Store) List(ctx context.Context) ([]domain.Job, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list jobs: %w", err)
	}

	result := make([]domain.Job, 0, len(values))
	for _, v := range values {
		// Removed between SMEMBERS and MGET.
		str, ok := v.(string)
		if !ok {
			continue
		}
		job, err := store.Unmarshal([]byte(str))
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, nil
}

// getter is satisfied by the client and by a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *Store) read(ctx context.Context, c getter, id string) (domain.Job, error) {
	data, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("redis: get job: %w", err)
	}
	return store.Unmarshal(data)
}

func (s *Store) watch(ctx context.Context, txf func(*goredis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTxContention
}
