package config

import (
	"fmt"
	"net/url"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// SCHED_SECRET authenticates the admin API and signs webhook calls
	if cfg.SchedSecret == "" {
		errs = append(errs, ValidationError{
			Field:   "SCHED_SECRET",
			Message: "required",
		})
	}

	switch cfg.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   "DATABASE_URL",
				Message: "required when STORE_DRIVER=postgres",
			})
		} else if u, err := url.Parse(cfg.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errs = append(errs, ValidationError{
				Field:   "DATABASE_URL",
				Message: "must be a postgres:// or postgresql:// URL",
			})
		}
	case DriverRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, ValidationError{
				Field:   "REDIS_ADDR",
				Message: "required when STORE_DRIVER=redis",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "STORE_DRIVER",
			Message: fmt.Sprintf("must be one of memory, sqlite, postgres, redis, got %q", cfg.StoreDriver),
		})
	}

	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "REDIS_ADDR",
			Message: "required when ANALYTICS_ENABLED=true",
		})
	}
	if cfg.LeaderEnabled && cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required when LEADER_ENABLED=true",
		})
	}

	for _, d := range []struct {
		field string
		value string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"DISPATCHER_DRAIN_TIMEOUT", cfg.DispatcherDrainTimeoutStr},
		{"SCHEDULER_MAX_IDLE", cfg.SchedulerMaxIdleStr},
		{"LOCK_SWEEP_INTERVAL", cfg.LockSweepIntervalStr},
		{"DEFAULT_JOB_TIMEOUT", cfg.DefaultJobTimeoutStr},
		{"RETRY_BASE_DELAY", cfg.RetryBaseDelayStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
	} {
		if err := validatePositiveDuration(d.value); err != nil {
			errs = append(errs, ValidationError{Field: d.field, Message: err.Error()})
		}
	}

	// Analytics buckets are minute, five-minute or hour wide
	if cfg.AnalyticsWindowStr != "" {
		d, err := time.ParseDuration(cfg.AnalyticsWindowStr)
		if err != nil || (d != time.Minute && d != 5*time.Minute && d != time.Hour) {
			errs = append(errs, ValidationError{
				Field:   "ANALYTICS_WINDOW",
				Message: fmt.Sprintf("must be 1m, 5m or 1h, got %q", cfg.AnalyticsWindowStr),
			})
		}
	}

	if cfg.CronTimezone != "" {
		if _, err := time.LoadLocation(cfg.CronTimezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "CRON_TIMEZONE",
				Message: fmt.Sprintf("unknown location: %v", err),
			})
		}
	}

	if cfg.CircuitBreakerThreshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "CIRCUIT_BREAKER_THRESHOLD",
			Message: "must not be negative",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePositiveDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %v", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}
