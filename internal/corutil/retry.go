package corutil

import (
	"context"
	"time"
)

// RetryPolicy governs retry behavior for transient failures (spec.md
// section 7: NetworkError/Timeout retry with exponential backoff).
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy matches spec.md section 7: initial 1s, factor 2, max
// 60s, max 3 attempts.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       3,
	InitialBackoff: time.Second,
	MaxBackoff:     60 * time.Second,
	Multiplier:     2,
}

// Retry executes fn with the provided policy, sleeping with exponential
// backoff between attempts. It returns the last error encountered, or nil on
// first success. Context cancellation aborts the wait immediately.
//
// An optional retryable predicate restricts which errors trigger a retry;
// when omitted, every error is retried. An error fn returns for which
// retryable reports false is returned immediately without waiting for a
// further attempt.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, retryable ...func(error) bool) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	shouldRetry := func(error) bool { return true }
	if len(retryable) > 0 && retryable[0] != nil {
		shouldRetry = retryable[0]
	}
	backoff := policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			if attempt == policy.Attempts || !shouldRetry(err) {
				return lastErr
			}
			if backoff > 0 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				next := time.Duration(float64(backoff) * policy.Multiplier)
				if policy.MaxBackoff > 0 && next > policy.MaxBackoff {
					next = policy.MaxBackoff
				}
				backoff = next
			}
			continue
		}
		return nil
	}
	return lastErr
}
