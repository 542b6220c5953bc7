package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds all configuration for the easysched service.
// Values are loaded from environment variables, optionally layered over a
// YAML file named by CONFIG_FILE; see printUsage() for the full list.
type Config struct {
	SchedSecret string `json:"sched_secret"`
	HTTPAddr    string `json:"http_addr"`

	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisPrefix string `json:"redis_prefix"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	// SchedulerMaxIdle bounds how long the scheduler sleeps without a wake.
	SchedulerMaxIdle    time.Duration `json:"-"`
	SchedulerMaxIdleStr string        `json:"scheduler_max_idle"`

	LockSweepInterval    time.Duration `json:"-"`
	LockSweepIntervalStr string        `json:"lock_sweep_interval"`

	// DefaultJobTimeout applies to jobs created without a timeout.
	DefaultJobTimeout    time.Duration `json:"-"`
	DefaultJobTimeoutStr string        `json:"default_job_timeout"`

	RetryMax          int           `json:"retry_max"`
	RetryBaseDelay    time.Duration `json:"-"`
	RetryBaseDelayStr string        `json:"retry_base_delay"`

	// DispatchRateLimit is the maximum number of webhook attempts per
	// second. 0 disables the limiter.
	DispatchRateLimit float64 `json:"dispatch_rate_limit"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	// MetricsPort serves metrics on a separate listener when set.
	MetricsPort string `json:"metrics_port,omitempty"`

	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// CronTimezone is the location cron expressions are evaluated in.
	CronTimezone string `json:"cron_timezone"`

	// LeaderEnabled guards the scheduler with a Postgres advisory lock so
	// that only one instance sharing DATABASE_URL fires jobs.
	LeaderEnabled bool `json:"leader_enabled"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// ConfigFile is the YAML file the values were layered over, if any.
	ConfigFile string `json:"config_file,omitempty"`
}

// Load reads configuration from the environment. When CONFIG_FILE is set,
// the YAML file it names supplies values for variables missing from the
// environment.
func Load() (Config, error) {
	getenv := os.Getenv

	path := os.Getenv("CONFIG_FILE")
	if path != "" {
		file, err := ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		getenv = func(key string) string {
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return file[key]
		}
	}

	cfg := LoadFrom(getenv)
	cfg.ConfigFile = path
	return cfg, nil
}

// ReadFile parses a YAML file whose top-level keys are environment
// variable names.
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
			continue
		case map[string]any, []any:
			return nil, fmt.Errorf("parse config file %s: key %s must be a scalar", path, k)
		default:
			values[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return values, nil
}

// LoadFrom builds a Config from getenv, applying defaults.
func LoadFrom(getenv func(string) string) Config {
	cfg := Config{
		SchedSecret:                getenv("SCHED_SECRET"),
		HTTPAddr:                   getenv("HTTP_ADDR"),
		StoreDriver:                strings.ToLower(getenv("STORE_DRIVER")),
		DatabaseURL:                getenv("DATABASE_URL"),
		SQLitePath:                 getenv("SQLITE_PATH"),
		RedisAddr:                  getenv("REDIS_ADDR"),
		RedisPrefix:                getenv("REDIS_PREFIX"),
		DBOpTimeoutStr:             getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       getenv("DB_CONN_MAX_LIFETIME"),
		HTTPShutdownTimeoutStr:     getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DispatcherDrainTimeoutStr:  getenv("DISPATCHER_DRAIN_TIMEOUT"),
		SchedulerMaxIdleStr:        getenv("SCHEDULER_MAX_IDLE"),
		LockSweepIntervalStr:       getenv("LOCK_SWEEP_INTERVAL"),
		DefaultJobTimeoutStr:       getenv("DEFAULT_JOB_TIMEOUT"),
		RetryBaseDelayStr:          getenv("RETRY_BASE_DELAY"),
		CircuitBreakerCooldownStr:  getenv("CIRCUIT_BREAKER_COOLDOWN"),
		MetricsEnabled:             getenv("METRICS_ENABLED") == "true",
		MetricsPath:                getenv("METRICS_PATH"),
		MetricsPort:                getenv("METRICS_PORT"),
		AnalyticsEnabled:           getenv("ANALYTICS_ENABLED") == "true",
		AnalyticsWindowStr:         getenv("ANALYTICS_WINDOW"),
		AnalyticsRetentionStr:      getenv("ANALYTICS_RETENTION"),
		CronTimezone:               getenv("CRON_TIMEZONE"),
		LeaderEnabled:              getenv("LEADER_ENABLED") == "true",
		LeaderRetryIntervalStr:     getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
	}

	cfg.EventBusBufferSize = positiveInt(getenv, "EVENTBUS_BUFFER_SIZE", 100)
	cfg.DBMaxOpenConns = positiveInt(getenv, "DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = positiveInt(getenv, "DB_MAX_IDLE_CONNS", 5)

	cfg.RetryMax = 3
	if s := getenv("RETRY_MAX"); s != "" {
		if n, err := parseInt(s); err == nil {
			cfg.RetryMax = n
		} else {
			log.Printf("config: invalid RETRY_MAX %q (must be a non-negative integer), using default 3", s)
		}
	}

	if s := getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := parseInt(s); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", s)
			cfg.CircuitBreakerThreshold = 5
		}
	} else {
		cfg.CircuitBreakerThreshold = 5
	}

	if s := getenv("DISPATCH_RATE_LIMIT"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
			cfg.DispatchRateLimit = f
		} else {
			log.Printf("config: invalid DISPATCH_RATE_LIMIT %q (must be a non-negative number), rate limiting disabled", s)
		}
	}

	if s := getenv("LEADER_LOCK_KEY"); s != "" {
		if n, err := parseInt(s); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 728380", s)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 728380
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8086"
		}
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "easysched:"
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "easysched.db"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.CronTimezone == "" {
		cfg.CronTimezone = "UTC"
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range []struct {
		str *string
		def string
		dst *time.Duration
	}{
		{&cfg.DBOpTimeoutStr, "5s", &cfg.DBOpTimeout},
		{&cfg.DBConnMaxLifetimeStr, "30m", &cfg.DBConnMaxLifetime},
		{&cfg.HTTPShutdownTimeoutStr, "10s", &cfg.HTTPShutdownTimeout},
		{&cfg.DispatcherDrainTimeoutStr, "30s", &cfg.DispatcherDrainTimeout},
		{&cfg.SchedulerMaxIdleStr, "1m", &cfg.SchedulerMaxIdle},
		{&cfg.LockSweepIntervalStr, "1s", &cfg.LockSweepInterval},
		{&cfg.DefaultJobTimeoutStr, "30s", &cfg.DefaultJobTimeout},
		{&cfg.RetryBaseDelayStr, "100ms", &cfg.RetryBaseDelay},
		{&cfg.CircuitBreakerCooldownStr, "2m", &cfg.CircuitBreakerCooldown},
		{&cfg.AnalyticsWindowStr, "1h", &cfg.AnalyticsWindow},
		{&cfg.AnalyticsRetentionStr, "168h", &cfg.AnalyticsRetention},
		{&cfg.LeaderRetryIntervalStr, "5s", &cfg.LeaderRetryInterval},
		{&cfg.LeaderHeartbeatIntervalStr, "2s", &cfg.LeaderHeartbeatInterval},
	} {
		if *d.str == "" {
			*d.str = d.def
		}
		if v, err := time.ParseDuration(*d.str); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

func positiveInt(getenv func(string) string, key string, def int) int {
	s := getenv(key)
	if s == "" {
		return def
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", key, s, def)
		return def
	}
	return n
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.SchedSecret = maskSecret(c.SchedSecret)
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "file:"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
