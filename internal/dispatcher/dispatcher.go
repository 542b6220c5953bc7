// Package dispatcher delivers webhook calls for locked jobs and completes
// each delivery cycle.
//
// Every DispatchEvent runs in its own goroutine so that a slow receiver
// cannot hold up other jobs. A delivery is bounded by its lock's expiry,
// retries included. Completion goes through the lock manager with the
// dispatch token, so success, ack and the expiry sweep race safely: only
// the first to present the token completes the cycle.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/djlord-it/easy-sched/internal/domain"
	"github.com/djlord-it/easy-sched/internal/metrics"
	"github.com/djlord-it/easy-sched/internal/store"
)

// DefaultDrainTimeout is the maximum time to wait for in-flight
// deliveries during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// OutcomeDeferred is reported when the receiver answered {"ack": false}.
const OutcomeDeferred = "deferred"

type Store interface {
	Get(ctx context.Context, id string) (domain.Job, error)
	Remove(ctx context.Context, id string) (domain.Job, error)
}

// Locker acquires and releases per-job delivery locks.
type Locker interface {
	AcquireFunc(ctx context.Context, id string, timeout time.Duration, fn store.UpdateFunc) (domain.Job, error)
	ReleaseFunc(ctx context.Context, id, token string, fn store.UpdateFunc) (domain.Job, bool, error)
	Release(ctx context.Context, id, token string) (bool, error)
}

type Evaluator interface {
	NextFireTime(s domain.Scheduling, after time.Time) (time.Time, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.DispatchEvent) error
}

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

// Breaker short-circuits deliveries to receivers that keep failing.
type Breaker interface {
	Allow(url string) error
	RecordSuccess(url string)
	RecordFailure(url string)
}

type AnalyticsSink interface {
	Record(ctx context.Context, jobID string, outcome domain.Outcome, at time.Time)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	DeliveryShortCircuited()
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type WebhookRequest struct {
	URL        string
	Secret     string
	DeliveryID string
	Payload    WebhookPayload
}

// WebhookPayload identifies the job to the receiver. Times are epoch
// milliseconds.
type WebhookPayload struct {
	ID          string `json:"id"`
	DeliveryID  string `json:"deliveryId"`
	Reason      string `json:"reason"`
	ScheduledAt int64  `json:"scheduledAt,omitempty"`
	FiredAt     int64  `json:"firedAt"`
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration

	// Set from the receiver's JSON reply on 2xx.
	Ack        *bool
	RetryAfter time.Duration
	RetryAt    time.Time
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRetryable reports whether another attempt may help: transport errors
// and gateway failures.
func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return !errors.Is(r.Error, context.DeadlineExceeded) && !errors.Is(r.Error, context.Canceled)
	}
	switch r.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Deferred reports whether the receiver asked to hold the lock until an
// explicit ack.
func (r WebhookResult) Deferred() bool {
	return r.IsSuccess() && r.Ack != nil && !*r.Ack
}

// Completion describes how a delivery cycle ended.
type Completion struct {
	Outcome    domain.Outcome
	StatusCode int
	Error      string
	// RetryAt reschedules a delivered wakeup instead of removing it.
	RetryAt time.Time
}

type Config struct {
	// Secret authenticates calls to receivers.
	Secret string

	// DrainTimeout bounds how long Run waits for in-flight deliveries
	// after its context is cancelled. Default: 30 seconds.
	DrainTimeout time.Duration
}

type Dispatcher struct {
	config    Config
	store     Store
	locker    Locker
	evaluator Evaluator
	emitter   EventEmitter
	sender    WebhookSender
	retry     RetryPolicy
	clock     func() time.Time

	breaker   Breaker       // optional, nil = disabled
	limiter   *rate.Limiter // optional, nil = unlimited
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled

	wg sync.WaitGroup
}

func New(config Config, store Store, locker Locker, evaluator Evaluator, emitter EventEmitter, sender WebhookSender) *Dispatcher {
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	return &Dispatcher{
		config:    config,
		store:     store,
		locker:    locker,
		evaluator: evaluator,
		emitter:   emitter,
		sender:    sender,
		retry:     DefaultRetry(),
		clock:     time.Now,
	}
}

// WithRetryPolicy replaces the default retry policy.
func (d *Dispatcher) WithRetryPolicy(p RetryPolicy) *Dispatcher {
	d.retry = p
	return d
}

// WithBreaker attaches a per-URL circuit breaker.
func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithRateLimiter bounds the rate of outbound delivery attempts.
func (d *Dispatcher) WithRateLimiter(l *rate.Limiter) *Dispatcher {
	d.limiter = l
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithClock replaces the time source. Used by tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Run starts a delivery goroutine for every event received on ch until
// ctx is cancelled. It then starts the events still buffered and waits up
// to DrainTimeout for in-flight deliveries before cancelling them.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.DispatchEvent) {
	deliveryCtx, cancelDeliveries := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDeliveries()

	for {
		select {
		case <-ctx.Done():
			d.drain(deliveryCtx, cancelDeliveries, ch)
			return
		case event := <-ch:
			d.start(deliveryCtx, event)
		}
	}
}

func (d *Dispatcher) start(ctx context.Context, event domain.DispatchEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Dispatch(ctx, event); err != nil {
			log.Printf("dispatcher: error: %v", err)
		}
	}()
}

// drain starts remaining buffered events and waits for all deliveries.
func (d *Dispatcher) drain(ctx context.Context, cancel context.CancelFunc, ch <-chan domain.DispatchEvent) {
	count := 0
	for done := false; !done; {
		select {
		case event := <-ch:
			d.start(ctx, event)
			count++
		default:
			done = true
		}
	}
	if count > 0 {
		log.Printf("dispatcher: drained %d buffered events", count)
	}

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Println("dispatcher: drain complete")
	case <-time.After(d.config.DrainTimeout):
		log.Printf("dispatcher: drain timeout after %s, cancelling in-flight deliveries", d.config.DrainTimeout)
		cancel()
		<-finished
	}
}

// Dispatch performs one delivery for event and completes it.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.DispatchEvent) error {
	// Track in-flight events
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	job, err := d.store.Get(ctx, event.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("dispatcher: job=%s deleted before delivery, skipping", event.JobID)
			return nil
		}
		return fmt.Errorf("get job: %w", err)
	}
	if !job.Lock.Locked || job.Lock.Token != event.Token {
		log.Printf("dispatcher: job=%s stale event token, skipping", event.JobID)
		return nil
	}

	deliverCtx, cancel := context.WithDeadline(ctx, event.ExpiresAt)
	defer cancel()

	completion, deferred := d.deliver(deliverCtx, job, event)
	if deferred {
		log.Printf("dispatcher: job=%s delivered, awaiting ack until %s",
			event.JobID, event.ExpiresAt.Format(time.RFC3339))
		if d.metrics != nil {
			d.metrics.DeliveryOutcome(OutcomeDeferred)
		}
		return nil
	}

	// The delivery context may be past its deadline; completion must still land.
	_, err = d.Complete(context.WithoutCancel(ctx), event.JobID, event.Token, completion)
	return err
}

// deliver runs the attempt loop. It reports whether completion is
// deferred until an explicit ack.
func (d *Dispatcher) deliver(ctx context.Context, job domain.Job, event domain.DispatchEvent) (Completion, bool) {
	url := job.Config.URL

	if d.breaker != nil {
		if err := d.breaker.Allow(url); err != nil {
			log.Printf("dispatcher: job=%s url=%s short-circuited: %v", job.ID(), url, err)
			if d.metrics != nil {
				d.metrics.DeliveryShortCircuited()
			}
			return Completion{Outcome: domain.OutcomeTransportFailure, Error: err.Error()}, false
		}
	}

	payload := WebhookPayload{
		ID:         job.ID(),
		DeliveryID: event.Token,
		Reason:     string(event.Reason),
		FiredAt:    event.FiredAt.UnixMilli(),
	}
	if !event.ScheduledAt.IsZero() {
		payload.ScheduledAt = event.ScheduledAt.UnixMilli()
	}

	req := WebhookRequest{
		URL:        url,
		Secret:     d.config.Secret,
		DeliveryID: event.Token,
		Payload:    payload,
	}

	var result WebhookResult
	for attempt := 1; ; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				result = WebhookResult{Error: fmt.Errorf("rate limit wait: %w", limiterErr(ctx, err))}
				break
			}
		}

		result = d.sender.Send(ctx, req)

		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		if result.IsSuccess() || ctx.Err() != nil {
			break
		}

		delay, ok := d.retry.Next(attempt, result)
		if d.metrics != nil {
			d.metrics.RetryAttempt(ok)
		}
		if !ok {
			break
		}

		log.Printf("dispatcher: job=%s attempt=%d failed status=%d err=%v, retrying in %s",
			job.ID(), attempt, result.StatusCode, result.Error, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	completion := d.classify(ctx, result)

	if d.breaker != nil {
		if completion.Outcome == domain.OutcomeSuccess {
			d.breaker.RecordSuccess(url)
		} else {
			d.breaker.RecordFailure(url)
		}
	}

	return completion, completion.Outcome == domain.OutcomeSuccess && result.Deferred()
}

// classify maps the last attempt to a completion.
func (d *Dispatcher) classify(ctx context.Context, result WebhookResult) Completion {
	c := Completion{StatusCode: result.StatusCode}
	if result.Error != nil {
		c.Error = result.Error.Error()
	}

	switch {
	case result.IsSuccess():
		c.Outcome = domain.OutcomeSuccess
		switch {
		case !result.RetryAt.IsZero():
			c.RetryAt = result.RetryAt
		case result.RetryAfter > 0:
			c.RetryAt = d.clock().UTC().Add(result.RetryAfter)
		}
	case errors.Is(result.Error, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.Outcome = domain.OutcomeTimeout
		if c.Error == "" {
			c.Error = domain.ErrTimeout.Error()
		}
	case result.Error != nil:
		c.Outcome = domain.OutcomeTransportFailure
	default:
		c.Outcome = domain.OutcomeRejected
		c.Error = fmt.Sprintf("receiver returned status %d", result.StatusCode)
	}
	return c
}

// Complete ends the delivery cycle identified by token. It releases the
// lock and reschedules or removes the job. It reports whether this call
// won the completion; a stale token or a deleted job is ignored.
func (d *Dispatcher) Complete(ctx context.Context, id, token string, c Completion) (bool, error) {
	now := d.clock().UTC()
	remove := false

	job, won, err := d.locker.ReleaseFunc(ctx, id, token, func(j *domain.Job) error {
		j.LastRun = domain.Run{
			Outcome:    c.Outcome,
			At:         now,
			StatusCode: c.StatusCode,
			Error:      c.Error,
		}

		switch j.Scheduling.Type {
		case domain.ScheduleTypeCron:
			if j.Scheduling.Consumed {
				return nil
			}
			if !j.Scheduling.StartAt.After(now) {
				// An occurrence fell due while locked; the release wake fires it.
				return nil
			}
			next, err := d.evaluator.NextFireTime(j.Scheduling, now)
			if err != nil {
				log.Printf("dispatcher: job=%s reschedule failed: %v", j.ID(), err)
				return nil
			}
			j.Scheduling.StartAt = next
		case domain.ScheduleTypeWakeup:
			if !c.Outcome.Delivered() {
				// Kept for administrative cleanup.
				return nil
			}
			if !c.RetryAt.IsZero() {
				j.Scheduling.StartAt = c.RetryAt
				j.Scheduling.Consumed = false
				return nil
			}
			remove = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("dispatcher: job=%s deleted, completion %s ignored", id, c.Outcome)
			return false, nil
		}
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	if !won {
		log.Printf("dispatcher: job=%s completion %s ignored, lock no longer held by delivery", id, c.Outcome)
		return false, nil
	}

	if remove {
		if _, err := d.store.Remove(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return true, fmt.Errorf("remove wakeup %s: %w", id, err)
		}
		log.Printf("dispatcher: job=%s wakeup %s, removed", id, c.Outcome)
	} else {
		log.Printf("dispatcher: job=%s %s status=%d next=%s",
			id, c.Outcome, c.StatusCode, job.Scheduling.StartAt.Format(time.RFC3339Nano))
	}

	if d.metrics != nil {
		d.metrics.DeliveryOutcome(string(c.Outcome))
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, id, c.Outcome, now)
	}
	return true, nil
}

// Ack completes the job's current delivery on the receiver's behalf.
// It fails with domain.ErrNotLocked when no delivery is pending.
func (d *Dispatcher) Ack(ctx context.Context, id string) error {
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Lock.Locked {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotLocked)
	}

	won, err := d.Complete(ctx, id, job.Lock.Token, Completion{Outcome: domain.OutcomeAcked})
	if err != nil {
		return err
	}
	if !won {
		// Completed or deleted between the read and the release.
		if _, gerr := d.store.Get(ctx, id); errors.Is(gerr, domain.ErrNotFound) {
			return gerr
		}
		return fmt.Errorf("job %s: %w", id, domain.ErrNotLocked)
	}
	return nil
}

// Trigger locks the job and dispatches it immediately, bypassing the due
// check. The schedule is left untouched. It fails with domain.ErrConflict
// when a delivery is already in flight.
func (d *Dispatcher) Trigger(ctx context.Context, id string) (domain.DispatchEvent, error) {
	locked, err := d.locker.AcquireFunc(ctx, id, 0, nil)
	if err != nil {
		return domain.DispatchEvent{}, err
	}

	event := domain.DispatchEvent{
		JobID:     id,
		Token:     locked.Lock.Token,
		Reason:    domain.DispatchReasonTrigger,
		FiredAt:   d.clock().UTC(),
		ExpiresAt: locked.Lock.ExpiresAt,
	}

	if err := d.emitter.Emit(ctx, event); err != nil {
		if _, rerr := d.locker.Release(context.WithoutCancel(ctx), id, locked.Lock.Token); rerr != nil {
			log.Printf("dispatcher: job=%s release after trigger emit error: %v", id, rerr)
		}
		return domain.DispatchEvent{}, fmt.Errorf("emit trigger: %w", err)
	}

	log.Printf("dispatcher: job=%s triggered delivery=%s", id, event.Token)
	return event, nil
}

// Expire completes a delivery whose lock passed its expiry as a timeout.
func (d *Dispatcher) Expire(ctx context.Context, job domain.Job) error {
	_, err := d.Complete(ctx, job.ID(), job.Lock.Token, Completion{
		Outcome: domain.OutcomeTimeout,
		Error:   "lock expired before completion",
	})
	return err
}

// limiterErr reports a limiter wait that cannot finish before the
// delivery deadline as a deadline error.
func limiterErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%v: %w", err, context.DeadlineExceeded)
	}
	return err
}
