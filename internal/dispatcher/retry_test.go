package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialRetry_Next(t *testing.T) {
	p := ExponentialRetry{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}
	retryable := WebhookResult{StatusCode: 503}

	tests := []struct {
		attempt int
		result  WebhookResult
		delay   time.Duration
		ok      bool
	}{
		{1, retryable, 100 * time.Millisecond, true},
		{2, retryable, 200 * time.Millisecond, true},
		{3, retryable, 400 * time.Millisecond, true},
		{4, retryable, 0, false},
		{1, WebhookResult{StatusCode: 400}, 0, false},
		{1, WebhookResult{StatusCode: 500}, 0, false},
		{1, WebhookResult{Error: errors.New("connection reset")}, 100 * time.Millisecond, true},
		{1, WebhookResult{Error: context.DeadlineExceeded}, 0, false},
		{1, WebhookResult{Error: context.Canceled}, 0, false},
	}

	for _, tt := range tests {
		delay, ok := p.Next(tt.attempt, tt.result)
		if ok != tt.ok || delay != tt.delay {
			t.Errorf("Next(%d, status=%d err=%v) = (%s, %v), want (%s, %v)",
				tt.attempt, tt.result.StatusCode, tt.result.Error, delay, ok, tt.delay, tt.ok)
		}
	}
}

func TestDefaultRetry(t *testing.T) {
	p := DefaultRetry()
	if p.MaxRetries != 3 || p.BaseDelay != 100*time.Millisecond {
		t.Errorf("DefaultRetry() = %+v", p)
	}
}

func TestNoRetry(t *testing.T) {
	if _, ok := (NoRetry{}).Next(1, WebhookResult{StatusCode: 503}); ok {
		t.Error("NoRetry should never retry")
	}
}

func TestWebhookResult_Deferred(t *testing.T) {
	tests := []struct {
		name   string
		result WebhookResult
		want   bool
	}{
		{"ack omitted completes", WebhookResult{StatusCode: 200}, false},
		{"ack true completes", WebhookResult{StatusCode: 200, Ack: ptr(true)}, false},
		{"ack false holds the lock", WebhookResult{StatusCode: 204, Ack: ptr(false)}, true},
		{"ack false on failure is ignored", WebhookResult{StatusCode: 503, Ack: ptr(false)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Deferred(); got != tt.want {
				t.Errorf("Deferred() = %v, want %v", got, tt.want)
			}
		})
	}
}
