// Package circuitbreaker tracks consecutive delivery failures per receiver
// URL and stops calling a URL for a cooldown once it crosses a threshold.
// After the cooldown a single probe is let through; its result closes or
// re-opens the circuit.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MetricsSink records circuit transitions into the open state.
type MetricsSink interface {
	CircuitOpened()
}

type urlState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*urlState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	metrics   MetricsSink
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*urlState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// WithMetrics attaches a metrics sink to the breaker.
func (cb *CircuitBreaker) WithMetrics(sink MetricsSink) *CircuitBreaker {
	cb.metrics = sink
	return cb
}

// Allow returns ErrCircuitOpen when calls to url should be skipped.
func (cb *CircuitBreaker) Allow(url string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[url]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		// Probe in flight.
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(url string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Healthy URLs are not tracked.
	delete(cb.states, url)
}

func (cb *CircuitBreaker) RecordFailure(url string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[url]
	if !ok {
		s = &urlState{}
		cb.states[url] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || (s.state == StateClosed && s.consecutiveFailures >= cb.threshold) {
		s.state = StateOpen
		s.openedAt = cb.clock()
		if cb.metrics != nil {
			cb.metrics.CircuitOpened()
		}
	}
}

// State returns the circuit state for url.
func (cb *CircuitBreaker) State(url string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if s, ok := cb.states[url]; ok {
		return s.state
	}
	return StateClosed
}

// OpenCount returns how many URLs currently have an open or half-open
// circuit.
func (cb *CircuitBreaker) OpenCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := 0
	for _, s := range cb.states {
		if s.state != StateClosed {
			n++
		}
	}
	return n
}
