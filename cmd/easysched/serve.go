package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/djlord-it/easy-sched/internal/analytics"
	"github.com/djlord-it/easy-sched/internal/api"
	"github.com/djlord-it/easy-sched/internal/circuitbreaker"
	"github.com/djlord-it/easy-sched/internal/config"
	"github.com/djlord-it/easy-sched/internal/cron"
	"github.com/djlord-it/easy-sched/internal/dispatcher"
	"github.com/djlord-it/easy-sched/internal/leaderelection"
	"github.com/djlord-it/easy-sched/internal/lockmanager"
	"github.com/djlord-it/easy-sched/internal/metrics"
	"github.com/djlord-it/easy-sched/internal/scheduler"
	"github.com/djlord-it/easy-sched/internal/transport/channel"
)

func runServe() int {
	cfg, code := loadConfig()
	if code != exitSuccess {
		return code
	}
	logConfigWarnings(&cfg)

	b, err := openBackend(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer b.Close()

	loc, err := time.LoadLocation(cfg.CronTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid CRON_TIMEZONE: %v\n", err)
		return exitInvalidConfig
	}
	evaluator := cron.NewEvaluator(cron.NewParser().WithLocation(loc))

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("easysched: metrics enabled path=%s port=%s", cfg.MetricsPath, cfg.MetricsPort)
	} else {
		log.Println("easysched: METRICS_ENABLED not set; metrics disabled")
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	var sched *scheduler.Scheduler
	locks := lockmanager.New(b.store, cfg.DefaultJobTimeout).
		WithMetrics(sink).
		OnRelease(func(string) { sched.Wake() })
	sched = scheduler.New(scheduler.Config{MaxIdle: cfg.SchedulerMaxIdle}, b.store, locks, evaluator, bus).
		WithMetrics(sink)

	disp := dispatcher.New(
		dispatcher.Config{Secret: cfg.SchedSecret, DrainTimeout: cfg.DispatcherDrainTimeout},
		b.store, locks, evaluator, bus, dispatcher.NewHTTPWebhookSender(),
	).WithMetrics(sink).WithRetryPolicy(retryPolicy(cfg))

	if cfg.DispatchRateLimit > 0 {
		disp = disp.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.DispatchRateLimit), max(1, int(cfg.DispatchRateLimit))))
		log.Printf("easysched: dispatch rate limit %.2f/s", cfg.DispatchRateLimit)
	}
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).WithMetrics(sink))
		log.Printf("easysched: circuit breaker threshold=%d cooldown=%s",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	if cfg.AnalyticsEnabled {
		disp = disp.WithAnalytics(analytics.NewRedisSink(b.redis, analytics.Config{
			Prefix:    cfg.RedisPrefix,
			Window:    cfg.AnalyticsWindow,
			Retention: cfg.AnalyticsRetention,
		}))
		log.Printf("easysched: analytics enabled redis=%s window=%s", cfg.RedisAddr, cfg.AnalyticsWindow)
	}

	sweeper := lockmanager.NewSweeper(locks, cfg.LockSweepInterval).
		WithHandler(disp).
		WithMetrics(sink)

	apiHandler := api.NewHandler(
		api.Config{Secret: cfg.SchedSecret, DefaultTimeout: cfg.DefaultJobTimeout},
		b.store, evaluator, disp, locks,
	).WithWaker(sched).WithHealthChecker(api.HealthCheckFunc(b.ping))

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler)

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		if cfg.MetricsPort == "" {
			mux.Handle(cfg.MetricsPath, promhttp.Handler())
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
			metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
			go func() {
				log.Printf("easysched: metrics server listening on :%s", cfg.MetricsPort)
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("easysched: metrics server error: %v", err)
				}
			}()
		}
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("easysched: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("easysched: http server error: %v", err)
		}
	}()

	// Separate contexts allow ordered shutdown: firing stops before draining.
	firingCtx, cancelFiring := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var firingWg, dispatcherWg sync.WaitGroup

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	runFiring := func(ctx context.Context) {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
		wg.Wait()
	}

	firingWg.Add(1)
	if cfg.LeaderEnabled {
		elector := newElector(cfg, b, runFiring).WithMetrics(sink)
		go func() {
			defer firingWg.Done()
			elector.Run(firingCtx)
		}()
	} else {
		go func() {
			defer firingWg.Done()
			runFiring(firingCtx)
		}()
	}

	log.Printf("easysched: started driver=%s http=%s leader=%t", cfg.StoreDriver, cfg.HTTPAddr, cfg.LeaderEnabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("easysched: received signal %v, shutting down", received)

	// Phase 1: stop firing (no new events emitted, no sweeps)
	log.Println("easysched: stopping scheduler...")
	cancelFiring()
	firingWg.Wait()
	log.Println("easysched: scheduler stopped")

	// Phase 2: stop dispatcher (drains buffered events before returning)
	log.Println("easysched: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("easysched: dispatcher stopped")

	// Phase 3: stop HTTP servers
	log.Println("easysched: stopping http server...")
	shutdown(httpServer, cfg.HTTPShutdownTimeout, "http")
	if metricsServer != nil {
		shutdown(metricsServer, cfg.HTTPShutdownTimeout, "metrics")
	}

	log.Println("easysched: stopped")
	return exitSuccess
}

// newElector runs firing duties only while this instance holds the leader lock.
func newElector(cfg config.Config, b *backend, runFiring func(ctx context.Context)) *leaderelection.Elector {
	var (
		mu   sync.Mutex
		done chan struct{}
	)
	onElected := func(ctx context.Context) {
		ch := make(chan struct{})
		mu.Lock()
		done = ch
		mu.Unlock()
		log.Println("easysched: elected leader, starting scheduler")
		runFiring(ctx)
		close(ch)
	}
	onDemoted := func() {
		mu.Lock()
		ch := done
		mu.Unlock()
		if ch != nil {
			<-ch
		}
		log.Println("easysched: demoted, scheduler stopped")
	}
	return leaderelection.New(
		leaderelection.PostgresOpener(b.db, cfg.LeaderLockKey),
		cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval,
		onElected, onDemoted,
	)
}

func retryPolicy(cfg config.Config) dispatcher.RetryPolicy {
	if cfg.RetryMax <= 0 {
		return dispatcher.NoRetry{}
	}
	return dispatcher.ExponentialRetry{MaxRetries: cfg.RetryMax, BaseDelay: cfg.RetryBaseDelay}
}

func shutdown(srv *http.Server, timeout time.Duration, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("easysched: %s server shutdown error: %v", name, err)
	}
	log.Printf("easysched: %s server stopped", name)
}
