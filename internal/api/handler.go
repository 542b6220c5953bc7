// Package api serves the administrative HTTP surface: job definitions,
// listings and the ack/trigger/unlock actions.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/djlord-it/easy-sched/internal/domain"
)

// HeaderSecret carries the shared secret on mutating calls.
const HeaderSecret = "X-Sched-Secret"

const (
	pathJobDef    = "/sched/api/job-def"
	pathJob       = "/sched/api/job"
	pathJobAction = "/sched/api/job-action/"
)

// DefaultJobTimeout applies to definitions that omit config.timeout.
const DefaultJobTimeout = 30 * time.Second

type Store interface {
	Insert(ctx context.Context, job domain.Job) error
	Upsert(ctx context.Context, job domain.Job) error
	Remove(ctx context.Context, id string) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
}

type Evaluator interface {
	Validate(s domain.Scheduling) error
	NextFireTime(s domain.Scheduling, after time.Time) (time.Time, error)
}

// Dispatcher performs the ack and trigger actions.
type Dispatcher interface {
	Ack(ctx context.Context, id string) error
	Trigger(ctx context.Context, id string) (domain.DispatchEvent, error)
}

type Locker interface {
	ForceRelease(ctx context.Context, id string) (bool, error)
}

// Waker is notified after every change to the set of scheduled jobs.
type Waker interface {
	Wake()
}

// HealthChecker provides store health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Config struct {
	// Secret must match the X-Sched-Secret header of mutating calls.
	Secret string
	// DefaultTimeout is used when a definition has no timeout.
	// Default: 30 seconds.
	DefaultTimeout time.Duration
}

type Handler struct {
	config     Config
	store      Store
	evaluator  Evaluator
	dispatcher Dispatcher
	locker     Locker
	clock      func() time.Time

	waker   Waker         // optional
	checker HealthChecker // optional
}

func NewHandler(config Config, store Store, evaluator Evaluator, dispatcher Dispatcher, locker Locker) *Handler {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultJobTimeout
	}
	return &Handler{
		config:     config,
		store:      store,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		locker:     locker,
		clock:      time.Now,
	}
}

// WithWaker sets the scheduler to wake after definitions change.
func (h *Handler) WithWaker(w Waker) *Handler {
	h.waker = w
	return h
}

// WithHealthChecker sets the store health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(c HealthChecker) *Handler {
	h.checker = c
	return h
}

// WithClock replaces the time source. Used by tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == pathJob && r.Method == http.MethodGet:
		h.getJobs(w, r)

	case path == pathJobDef && r.Method == http.MethodPost:
		h.authenticated(h.createJob)(w, r)

	case path == pathJobDef && r.Method == http.MethodDelete:
		h.authenticated(h.deleteJob)(w, r)

	case strings.HasPrefix(path, pathJobAction) && r.Method == http.MethodPost:
		h.authenticated(h.jobAction)(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found", domain.KindNotFound)
	}
}

// authenticated rejects calls without the service secret before any of
// the request body is read.
func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(HeaderSecret)
		if h.config.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.config.Secret)) != 1 {
			log.Printf("api: unauthorized %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			writeDomainError(w, domain.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.checker == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.checker.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var def JobDefinition
	if err := decodeBody(w, r, &def); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := validateDefinition(def); err != nil {
		writeDomainError(w, err)
		return
	}

	now := h.clock().UTC()
	timeout := h.config.DefaultTimeout
	if def.Config.Timeout > 0 {
		timeout = time.Duration(def.Config.Timeout) * time.Millisecond
	}

	scheduling := domain.Scheduling{
		Type:  domain.ScheduleType(def.Scheduling.Type),
		Value: strings.TrimSpace(string(def.Scheduling.Value)),
	}
	if err := h.evaluator.Validate(scheduling); err != nil {
		writeDomainError(w, err)
		return
	}
	startAt, err := h.evaluator.NextFireTime(scheduling, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// A wakeup in the past fires on the next tick.
	if startAt.Before(now) {
		startAt = now
	}
	scheduling.StartAt = startAt

	job := domain.Job{
		Config: domain.JobConfig{
			ID:      def.Config.ID,
			URL:     def.Config.URL,
			Timeout: timeout,
		},
		Scheduling: scheduling,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	replace := r.URL.Query().Get("replace") == "true"
	if replace {
		if prev, err := h.store.Get(r.Context(), job.ID()); err == nil {
			job.CreatedAt = prev.CreatedAt
		}
		err = h.store.Upsert(r.Context(), job)
	} else {
		err = h.store.Insert(r.Context(), job)
	}
	if err != nil {
		log.Printf("api: create job=%s error: %v", job.ID(), err)
		writeDomainError(w, err)
		return
	}

	log.Printf("api: job=%s saved type=%s value=%q start_at=%s replace=%v",
		job.ID(), job.Scheduling.Type, job.Scheduling.Value,
		job.Scheduling.StartAt.Format(time.RFC3339Nano), replace)
	h.wake()

	writeJSON(w, http.StatusOK, toResponse(job, now))
}

// getJobs lists all jobs, or returns one when ?jobId= is given.
func (h *Handler) getJobs(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()

	if id := r.URL.Query().Get("jobId"); id != "" {
		job, err := h.store.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(job, now))
		return
	}

	jobs, err := h.store.List(r.Context())
	if err != nil {
		log.Printf("api: list jobs error: %v", err)
		writeDomainError(w, err)
		return
	}

	resp := make([]JobResponse, len(jobs))
	for i, job := range jobs {
		resp[i] = toResponse(job, now)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(w, r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	prev, err := h.store.Remove(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Printf("api: delete job=%s error: %v", id, err)
		}
		writeDomainError(w, err)
		return
	}

	log.Printf("api: job=%s deleted locked=%v", id, prev.Lock.Held(h.clock()))
	h.wake()

	writeJSON(w, http.StatusOK, toResponse(prev, h.clock().UTC()))
}

func (h *Handler) jobAction(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, pathJobAction)
	switch action {
	case "ack", "trigger", "unlock":
	default:
		writeError(w, http.StatusNotFound, "not found", domain.KindNotFound)
		return
	}

	id, err := requestID(w, r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch action {
	case "ack":
		if err := h.dispatcher.Ack(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, AckResponse{ID: id, Acked: true})

	case "trigger":
		event, err := h.dispatcher.Trigger(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, TriggerResponse{ID: id, Triggered: true, DeliveryID: event.Token})

	case "unlock":
		released, err := h.locker.ForceRelease(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		log.Printf("api: job=%s unlock released=%v", id, released)
		writeJSON(w, http.StatusOK, UnlockResponse{ID: id, Unlocked: released})
	}
}

func (h *Handler) wake() {
	if h.waker != nil {
		h.waker.Wake()
	}
}

// requestID reads the job id from ?id= or from an {"id": ...} body.
func requestID(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := r.URL.Query().Get("id"); id != "" {
		return id, nil
	}
	var req IDRequest
	if err := decodeBody(w, r, &req); err != nil {
		return "", err
	}
	if req.ID == "" {
		return "", fmt.Errorf("%w: id is required", domain.ErrInvalidRequest)
	}
	return req.ID, nil
}

var errBodyTooLarge = errors.New("request body too large")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", domain.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound, domain.KindNotLocked:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidSchedule, domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error(), domain.KindInvalidRequest)
		return
	}
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		log.Printf("api: internal error: %v", err)
		msg = "internal error"
	}
	writeError(w, statusFor(kind), msg, kind)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, kind domain.Kind) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: string(kind)})
}

// HealthCheckFunc adapts a ping function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}
