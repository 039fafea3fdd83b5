// Package resilience provides generic retry, circuit-breaking and rate
// limiting primitives shared by HTTP clients and notification sinks.
// The execution-level retry policy for scripts lives in internal/retry —
// this package backs the Slack notification sink and the HTTP enqueue
// rate limit, neither of which aborts a run.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter, stopping
// after attempts tries or success, whichever comes first.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.GetMeterProvider().Meter("scriptguard-resilience")
	attemptCounter, _ := meter.Int64Counter("runner_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("runner_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("runner_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
