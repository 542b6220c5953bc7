// Package leaderelection keeps a single instance in charge of firing jobs.
//
// Leadership is a session-scoped lock held for the lifetime of a dedicated
// session. There is no renewal or TTL: when the session dies the lock is
// released by the server. The heartbeat only detects local session death
// so the leader stops its scheduler promptly.
package leaderelection

import (
	"context"
	"log"
	"time"
)

// Loss reasons reported to the metrics sink.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// Session is one dedicated connection able to hold the leader lock.
type Session interface {
	TryLock(ctx context.Context) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Opener opens a fresh Session for each election attempt.
type Opener func(ctx context.Context) (Session, error)

// MetricsSink records leader election transitions.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Elector runs the election loop.
type Elector struct {
	open              Opener
	retryInterval     time.Duration // follower: how often to try the lock
	heartbeatInterval time.Duration // leader: how often to ping the session
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink
}

// New creates an Elector.
//
// onElected runs in its own goroutine once the lock is held; its context
// is cancelled when leadership is lost. onDemoted is called synchronously
// after that and must block until leader duties have stopped.
func New(
	open Opener,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		open:              open,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
	}
}

// WithMetrics attaches a metrics sink.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop retry=%s heartbeat=%s", e.retryInterval, e.heartbeatInterval)

	for {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}
		if reason != "" {
			log.Printf("leader: lost leadership reason=%s retry_in=%s", reason, e.retryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce tries the lock and holds it while the session is alive.
// It returns why leadership ended, or "" if it was never acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	session, err := e.open(ctx)
	if err != nil {
		log.Printf("leader: open session failed: %v", err)
		return ""
	}
	defer session.Close()

	acquired, err := session.TryLock(ctx)
	if err != nil {
		log.Printf("leader: lock attempt failed: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Println("leader: acquired leader lock")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancel := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.hold(ctx, session)

	cancel()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	log.Println("leader: released leader lock")
	return reason
}

func (e *Elector) hold(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				log.Printf("leader: session ping failed: %v", err)
				return ReasonConnLost
			}
		}
	}
}
