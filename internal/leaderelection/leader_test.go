package leaderelection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLock is a lock server shared by fake sessions.
type fakeLock struct {
	mu     sync.Mutex
	holder *fakeSession
	opened int
}

func (l *fakeLock) opener() Opener {
	return func(ctx context.Context) (Session, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.opened++
		return &fakeSession{lock: l}, nil
	}
}

type fakeSession struct {
	lock   *fakeLock
	broken atomic.Bool
	closed atomic.Bool
}

func (s *fakeSession) TryLock(ctx context.Context) (bool, error) {
	s.lock.mu.Lock()
	defer s.lock.mu.Unlock()
	if s.lock.holder != nil {
		return false, nil
	}
	s.lock.holder = s
	return true, nil
}

func (s *fakeSession) Ping(ctx context.Context) error {
	if s.broken.Load() {
		return errors.New("connection reset")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.lock.mu.Lock()
	defer s.lock.mu.Unlock()
	if s.lock.holder == s {
		s.lock.holder = nil
	}
	return nil
}

func (l *fakeLock) current() *fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

type mockMetrics struct {
	mu       sync.Mutex
	statuses []bool
	acquired int
	lost     []string
}

func (m *mockMetrics) LeaderStatusChanged(isLeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, isLeader)
}

func (m *mockMetrics) LeaderAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *mockMetrics) LeaderLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, reason)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestElector_SingleLeader(t *testing.T) {
	lock := &fakeLock{}
	var leaders atomic.Int32

	newElector := func() *Elector {
		return New(lock.opener(), 10*time.Millisecond, 10*time.Millisecond,
			func(ctx context.Context) {
				leaders.Add(1)
				<-ctx.Done()
			},
			func() { leaders.Add(-1) },
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		e := newElector()
		go func() {
			defer wg.Done()
			e.Run(ctx)
		}()
	}

	waitFor(t, func() bool { return leaders.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := leaders.Load(); n != 1 {
		t.Errorf("leaders = %d, want 1", n)
	}

	cancel()
	wg.Wait()
	if n := leaders.Load(); n != 0 {
		t.Errorf("leaders after shutdown = %d, want 0", n)
	}
}

func TestElector_ConnLostDemotesAndReelects(t *testing.T) {
	lock := &fakeLock{}
	metrics := &mockMetrics{}
	var elected, demoted atomic.Int32

	e := New(lock.opener(), 10*time.Millisecond, 10*time.Millisecond,
		func(ctx context.Context) { elected.Add(1) },
		func() { demoted.Add(1) },
	).WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return lock.current() != nil })
	first := lock.current()
	first.broken.Store(true)

	waitFor(t, func() bool { return elected.Load() == 2 })
	if demoted.Load() != 1 {
		t.Errorf("demoted = %d, want 1", demoted.Load())
	}
	if !first.closed.Load() {
		t.Error("broken session was not closed")
	}

	cancel()
	<-done

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.acquired != 2 {
		t.Errorf("acquired = %d, want 2", metrics.acquired)
	}
	want := []string{ReasonConnLost, ReasonShutdown}
	if len(metrics.lost) != len(want) {
		t.Fatalf("lost = %v, want %v", metrics.lost, want)
	}
	for i := range want {
		if metrics.lost[i] != want[i] {
			t.Errorf("lost[%d] = %q, want %q", i, metrics.lost[i], want[i])
		}
	}
}

func TestElector_OpenErrorRetries(t *testing.T) {
	var attempts atomic.Int32
	open := func(ctx context.Context) (Session, error) {
		attempts.Add(1)
		return nil, errors.New("dial tcp: connection refused")
	}

	e := New(open, 5*time.Millisecond, time.Second,
		func(ctx context.Context) { t.Error("elected without a session") },
		func() {},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return attempts.Load() >= 3 })
	cancel()
	<-done
}
