package main

import (
	"log"
	"time"

	"github.com/djlord-it/easy-sched/internal/config"
)

// followerLagTolerance is the SCHEDULER_MAX_IDLE above which leader mode
// warns: the leader's scheduler is not woken by writes made on followers.
const followerLagTolerance = 5 * time.Second

// logConfigWarnings logs operational risks of the effective configuration.
func logConfigWarnings(cfg *config.Config) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Println("WARNING [P0]: STORE_DRIVER=memory; jobs and locks are lost on restart")
	}

	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false; delivery failures and lock expiries are not observable")
	}

	if cfg.LeaderEnabled && cfg.SchedulerMaxIdle > followerLagTolerance {
		log.Printf("WARNING [P1]: LEADER_ENABLED=true with SCHEDULER_MAX_IDLE=%s; jobs created through a follower can fire up to %s late",
			cfg.SchedulerMaxIdle, cfg.SchedulerMaxIdle)
	}

	shared := cfg.StoreDriver == config.DriverPostgres || cfg.StoreDriver == config.DriverRedis
	if shared && !cfg.LeaderEnabled {
		log.Printf("INFO: STORE_DRIVER=%s with LEADER_ENABLED=false; every instance runs a scheduler and job locks arbitrate firing",
			cfg.StoreDriver)
	}

	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("INFO: CIRCUIT_BREAKER_THRESHOLD=0; failing receivers are never short-circuited")
	}

	if cfg.RetryMax == 0 {
		log.Println("INFO: RETRY_MAX=0; failed webhook calls wait for the next schedule")
	}
}
