package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-sched/internal/config"
	"github.com/djlord-it/easy-sched/internal/store"
	"github.com/djlord-it/easy-sched/internal/store/memory"
	"github.com/djlord-it/easy-sched/internal/store/postgres"
	redisstore "github.com/djlord-it/easy-sched/internal/store/redis"
	"github.com/djlord-it/easy-sched/internal/store/sqlite"

	_ "github.com/lib/pq"
)

// backend is the job store selected by STORE_DRIVER plus the shared
// connections the rest of the service reuses.
type backend struct {
	store store.Store
	ping  func(ctx context.Context) error
	db    *sql.DB       // set when DATABASE_URL was opened
	redis *redis.Client // set when REDIS_ADDR was dialled
}

// Close releases the store and the connections behind it.
func (b *backend) Close() {
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			log.Printf("easysched: store close error: %v", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			log.Printf("easysched: redis close error: %v", err)
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			log.Printf("easysched: db close error: %v", err)
		}
	}
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{}

	if cfg.StoreDriver == config.DriverPostgres || cfg.LeaderEnabled {
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.db = db
	}
	if cfg.StoreDriver == config.DriverRedis || cfg.AnalyticsEnabled {
		b.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		b.store = memory.New()
		b.ping = func(context.Context) error { return nil }

	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.DBOpTimeout)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		b.store, b.ping = s, s.Ping

	case config.DriverPostgres:
		s := postgres.New(b.db, cfg.DBOpTimeout)
		if err := s.Migrate(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		b.store, b.ping = s, s.Ping

	case config.DriverRedis:
		s := redisstore.New(b.redis, cfg.RedisPrefix)
		if err := s.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.store, b.ping = s, s.Ping

	default:
		b.Close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	log.Printf("easysched: store ready driver=%s", cfg.StoreDriver)
	return b, nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	log.Printf("easysched: db pool configured max_open=%d max_idle=%d max_lifetime=%s",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}
