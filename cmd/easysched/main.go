package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/djlord-it/easy-sched/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

const envHelp = `Environment Variables:
  SCHED_SECRET                Shared secret for the admin API and webhooks (required)
  HTTP_ADDR                   HTTP server address (default: ":8086", PORT honoured)
  CONFIG_FILE                 YAML file supplying values missing from the environment

  STORE_DRIVER                memory | sqlite | postgres | redis (default: "memory")
  DATABASE_URL                PostgreSQL connection string (postgres driver, leader election)
  SQLITE_PATH                 SQLite database file (default: "easysched.db")
  REDIS_ADDR                  Redis address (redis driver, analytics)
  REDIS_PREFIX                Key prefix for Redis (default: "easysched:")

  DB_OP_TIMEOUT               Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS           Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS           Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME        Max connection lifetime (default: "30m")

  HTTP_SHUTDOWN_TIMEOUT       Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT    Dispatcher drain timeout (default: "30s")
  EVENTBUS_BUFFER_SIZE        Dispatch event buffer (default: "100")
  SCHEDULER_MAX_IDLE          Longest scheduler sleep without a wake (default: "1m")
  LOCK_SWEEP_INTERVAL         Expired lock sweep interval (default: "1s")
  DEFAULT_JOB_TIMEOUT         Lock timeout for jobs created without one (default: "30s")

  RETRY_MAX                   Webhook retries per delivery (default: "3", 0 disables)
  RETRY_BASE_DELAY            First retry delay, doubled per retry (default: "100ms")
  DISPATCH_RATE_LIMIT         Webhook attempts per second (default: "0", disabled)
  CIRCUIT_BREAKER_THRESHOLD   Failures before a URL is short-circuited (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN    Open circuit cooldown (default: "2m")

  METRICS_ENABLED             Enable Prometheus metrics (default: "false")
  METRICS_PATH                Metrics endpoint path (default: "/metrics")
  METRICS_PORT                Serve metrics on a separate port (default: API listener)

  ANALYTICS_ENABLED           Count delivery outcomes in Redis (default: "false")
  ANALYTICS_WINDOW            Bucket width: 1m | 5m | 1h (default: "1h")
  ANALYTICS_RETENTION         Bucket TTL (default: "168h")

  CRON_TIMEZONE               Location cron expressions run in (default: "UTC")
  LEADER_ENABLED              Fire jobs on one instance only (default: "false")
  LEADER_LOCK_KEY             Postgres advisory lock key (default: "728380")
  LEADER_RETRY_INTERVAL       Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL   Leader connection ping interval (default: "2s")`

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	code := exitSuccess
	app := newApp(&code)
	if err := app.Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "easysched: %v\n", err)
		if code == exitSuccess {
			code = exitRuntimeError
		}
	}
	return code
}

// newApp builds the command tree. Actions store their exit status in code.
func newApp(code *int) *cli.App {
	exit := func(fn func() int) cli.ActionFunc {
		return func(*cli.Context) error {
			*code = fn()
			return nil
		}
	}

	app := cli.NewApp()
	app.Name = "easysched"
	app.HelpName = "easysched"
	app.Usage = "webhook job scheduler"
	app.UsageText = "easysched <command>"
	app.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	app.Description = envHelp
	app.HideVersion = true
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "start the API, scheduler and dispatcher",
			Action: exit(runServe),
		},
		{
			Name:   "validate",
			Usage:  "validate configuration (no connections made)",
			Action: exit(runValidate),
		},
		{
			Name:   "config",
			Usage:  "print effective configuration as JSON (secrets masked)",
			Action: exit(runConfig),
		},
		{
			Name:   "version",
			Usage:  "print version information",
			Action: exit(runVersion),
		},
	}
	app.CommandNotFound = func(c *cli.Context, name string) {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", name)
		cli.ShowAppHelp(c)
		*code = exitRuntimeError
	}
	app.Action = func(c *cli.Context) error {
		if c.NArg() > 0 {
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", c.Args().First())
		}
		cli.ShowAppHelp(c)
		*code = exitRuntimeError
		return nil
	}
	return app
}

func loadConfig() (config.Config, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, exitInvalidConfig
	}
	return cfg, exitSuccess
}

func runValidate() int {
	if _, code := loadConfig(); code != exitSuccess {
		return code
	}
	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("easysched version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
