package analytics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-sched/internal/domain"
)

func TestTruncateToBucket(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 27, 45, 0, time.UTC)

	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "202603141527"},
		{5 * time.Minute, "202603141525"},
		{time.Hour, "2026031415"},
		{42 * time.Second, "202603141527"},
	}

	for _, tt := range tests {
		t.Run(tt.window.String(), func(t *testing.T) {
			if got := truncateToBucket(at, tt.window); got != tt.want {
				t.Errorf("truncateToBucket(%s) = %q, want %q", tt.window, got, tt.want)
			}
		})
	}
}

func TestTruncateToBucket_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2026, 3, 14, 17, 27, 0, 0, loc)

	if got := truncateToBucket(at, time.Hour); got != "2026031415" {
		t.Errorf("truncateToBucket = %q, want 2026031415", got)
	}
}

func TestBuildKey(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 27, 0, 0, time.UTC)
	got := buildKey("easysched:", "billing", domain.OutcomeSuccess, at, time.Hour)
	want := "easysched:stats:j:billing:success:2026031415"
	if got != want {
		t.Errorf("buildKey = %q, want %q", got, want)
	}
}

func TestNewRedisSink_Defaults(t *testing.T) {
	s := NewRedisSink(nil, Config{})
	if s.config.Prefix != "easysched:" || s.config.Window != DefaultWindow || s.config.Retention != DefaultRetention {
		t.Errorf("config = %+v", s.config)
	}
}

func TestRedisSink_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "easysched-test:" + time.Now().Format("150405.000000") + ":"
	s := NewRedisSink(client, Config{Prefix: prefix, Window: time.Minute, Retention: time.Minute})
	at := time.Now().UTC()

	s.Record(ctx, "j1", domain.OutcomeSuccess, at)
	s.Record(ctx, "j1", domain.OutcomeSuccess, at)
	s.Record(ctx, "j1", domain.OutcomeTimeout, at)

	n, err := s.Count(ctx, "j1", domain.OutcomeSuccess, at)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("success count = %d, want 2", n)
	}

	ttl, err := client.TTL(ctx, buildKey(prefix, "j1", domain.OutcomeSuccess, at, time.Minute)).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %s, want (0, 1m]", ttl)
	}
}
