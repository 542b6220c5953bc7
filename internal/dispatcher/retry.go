package dispatcher

import "time"

// RetryPolicy decides whether a failed attempt is re-attempted and after
// what delay. attempt is the number of attempts made so far.
type RetryPolicy interface {
	Next(attempt int, result WebhookResult) (time.Duration, bool)
}

// ExponentialRetry retries retryable results up to MaxRetries times,
// waiting BaseDelay * 2^(attempt-1) between attempts.
type ExponentialRetry struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetry returns the policy used when none is configured:
// three retries starting at 100ms.
func DefaultRetry() ExponentialRetry {
	return ExponentialRetry{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}
}

func (p ExponentialRetry) Next(attempt int, result WebhookResult) (time.Duration, bool) {
	if attempt > p.MaxRetries || !result.IsRetryable() {
		return 0, false
	}
	return p.BaseDelay << (attempt - 1), true
}

// NoRetry never re-attempts a delivery.
type NoRetry struct{}

func (NoRetry) Next(int, WebhookResult) (time.Duration, bool) {
	return 0, false
}
