package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures the exponential-backoff retry policy. Only errors
// the caller's classifier accepts trigger a retry.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64 // fraction of the computed delay to randomize, [0,1]
}

// DefaultRetryConfig matches the teacher's Kraken client defaults
// (internal/providers/kraken/client.go: 3 retries, 1s base backoff).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
	}
}

func (c RetryConfig) delayFor(attempt int) time.Duration {
	d := float64(c.InitialDelay) * pow(c.Multiplier, attempt)
	if maxD := float64(c.MaxDelay); d > maxD && maxD > 0 {
		d = maxD
	}
	if c.Jitter > 0 {
		jitterRange := d * c.Jitter
		d = d - jitterRange/2 + rand.Float64()*jitterRange
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// classifier reports whether the retry loop should retry err. The Adapter
// passes isRetryable (adapter.go), matching spec.md §4.A: Network and
// RateLimited errors are retryable at this layer (CircuitOpen and anything
// else is not).
type classifier func(err error) bool

// retryLoop runs fn, retrying up to cfg.MaxRetries times with exponential
// backoff while shouldRetry(err) is true. It returns the last error if all
// attempts are exhausted. Every wait releases no locks because the caller
// holds none across this call (spec.md §5: suspension points hold no
// guards).
func retryLoop(ctx context.Context, cfg RetryConfig, shouldRetry classifier, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delayFor(attempt)):
		}
	}
	return lastErr
}
