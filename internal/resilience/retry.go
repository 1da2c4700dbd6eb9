package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry runs fn with exponential backoff and full jitter, up to attempts
// times. delay is the initial backoff; it doubles each attempt, capped
// at 60s. The job lifecycle manager does not call it; its submission
// retries go through FixedDelays.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("cyclesched")
	attemptCounter, _ := meter.Int64Counter("cyclesched_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("cyclesched_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("cyclesched_resilience_retry_fail_total")
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

// FixedDelays runs fn once, then once more after each entry in delays
// (len(delays)+1 attempts at most), stopping at the first success. Unlike Retry's exponential schedule, this follows an explicit
// delay list — the shape submission and execution retry delays take
// when configured as literal sequences rather than a multiplier.
func FixedDelays(ctx context.Context, delays []time.Duration, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt >= len(delays) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[attempt]):
		}
	}
}
