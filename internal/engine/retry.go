package engine

import (
	"context"
	"math"
	"time"

	"github.com/rendis/openrooms/pkg/schema"
)

// shouldRetry reports whether a node that has already been retried attempts
// times may run again. A nil policy or MaxAttempts of zero never retries.
func shouldRetry(policy *schema.RetryPolicy, attempts int) bool {
	return policy != nil && attempts < policy.MaxAttempts
}

// ComputeBackoff returns min(initial * multiplier^attempts, max) with no
// jitter. A zero MaxDelayMs leaves the delay uncapped.
func ComputeBackoff(policy *schema.RetryPolicy, attempts int) time.Duration {
	if policy == nil || policy.InitialDelayMs <= 0 {
		return 0
	}
	mult := policy.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	ms := float64(policy.InitialDelayMs) * math.Pow(mult, float64(attempts))
	if policy.MaxDelayMs > 0 && ms > float64(policy.MaxDelayMs) {
		ms = float64(policy.MaxDelayMs)
	}
	if ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		ms = float64(math.MaxInt64 / int64(time.Millisecond))
	}
	return time.Duration(ms) * time.Millisecond
}

// waitForBackoff sleeps for delay or returns early with ctx's error.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
