// Package analytics counts delivery outcomes per job in time-bucketed
// Redis keys.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-sched/internal/domain"
)

const (
	DefaultWindow    = time.Hour
	DefaultRetention = 7 * 24 * time.Hour
)

type Config struct {
	// Prefix namespaces the counter keys. Default: "easysched:".
	Prefix string
	// Window is the bucket width: one minute, five minutes or one hour.
	Window time.Duration
	// Retention is the TTL applied to each bucket.
	Retention time.Duration
}

type RedisSink struct {
	client redis.UniversalClient
	config Config
}

func NewRedisSink(client redis.UniversalClient, config Config) *RedisSink {
	if config.Prefix == "" {
		config.Prefix = "easysched:"
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	return &RedisSink{client: client, config: config}
}

// Record increments the outcome counter for the bucket containing at.
// Errors are logged; analytics never fails a delivery.
func (s *RedisSink) Record(ctx context.Context, jobID string, outcome domain.Outcome, at time.Time) {
	if err := s.Write(ctx, jobID, outcome, at); err != nil {
		log.Printf("analytics: job=%s outcome=%s: %v", jobID, outcome, err)
	}
}

func (s *RedisSink) Write(ctx context.Context, jobID string, outcome domain.Outcome, at time.Time) error {
	key := buildKey(s.config.Prefix, jobID, outcome, at, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Count returns the counter for the bucket containing at.
func (s *RedisSink) Count(ctx context.Context, jobID string, outcome domain.Outcome, at time.Time) (int64, error) {
	key := buildKey(s.config.Prefix, jobID, outcome, at, s.config.Window)
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func buildKey(prefix, jobID string, outcome domain.Outcome, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("%sstats:j:%s:%s:%s", prefix, jobID, outcome, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
