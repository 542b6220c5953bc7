package lockmanager

import (
	"context"
	"log"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// ExpiryHandler completes a delivery whose lock expired. The dispatcher
// implements it by recording a Timeout outcome.
type ExpiryHandler interface {
	Expire(ctx context.Context, job domain.Job) error
}

// SweeperMetrics records the number of expired locks found per cycle.
type SweeperMetrics interface {
	LocksExpired(count int)
}

// Sweeper periodically finds locks past their expiry and hands them to
// the expiry handler. Without a handler the lock is released directly.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	handler  ExpiryHandler
	metrics  SweeperMetrics
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	return &Sweeper{manager: manager, interval: interval}
}

// WithHandler sets the expiry handler.
func (s *Sweeper) WithHandler(h ExpiryHandler) *Sweeper {
	s.handler = h
	return s
}

// WithMetrics attaches a metrics sink to the sweeper.
func (s *Sweeper) WithMetrics(sink SweeperMetrics) *Sweeper {
	s.metrics = sink
	return s
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("lockmanager: sweeper started (interval=%s)", s.interval)

	// Locks left over from a previous process are handled on startup.
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("lockmanager: sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep executes one cycle and returns how many locks it released.
func (s *Sweeper) sweep(ctx context.Context) int {
	expired, err := s.manager.Expired(ctx)
	if err != nil {
		// Store error: log and retry next interval.
		log.Printf("lockmanager: failed to list expired locks: %v", err)
		return 0
	}
	if s.metrics != nil {
		s.metrics.LocksExpired(len(expired))
	}
	if len(expired) == 0 {
		return 0
	}

	released := 0
	for _, job := range expired {
		if ctx.Err() != nil {
			log.Printf("lockmanager: sweep interrupted, processed %d/%d locks", released, len(expired))
			return released
		}

		if s.handler != nil {
			if err := s.handler.Expire(ctx, job); err != nil {
				log.Printf("lockmanager: expiry handler failed job=%s: %v", job.ID(), err)
				continue
			}
			released++
			continue
		}

		_, ok, err := s.manager.release(ctx, job.ID(), job.Lock.Token, nil, ReasonExpired)
		if err != nil {
			log.Printf("lockmanager: failed to release expired lock job=%s: %v", job.ID(), err)
			continue
		}
		if ok {
			released++
		}
	}

	log.Printf("lockmanager: sweep complete, expired=%d released=%d", len(expired), released)
	return released
}
