// Package resilience provides fault-tolerance helpers shared by every
// component that talks to the shared state store or shells out to an
// external process: bounded exponential-backoff retry and a circuit
// breaker for sustained failure.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls Retry's backoff schedule.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig returns a conservative schedule suitable for shared
// state operations: three attempts, doubling from 100ms, capped at 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry calls fn until it succeeds, the context is cancelled, or
// MaxAttempts is exhausted, sleeping an exponentially growing delay
// between attempts. It returns the last error seen.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter {
			wait = addJitter(wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = nextDelay(delay, cfg)
	}

	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d - jitter/2 + jitter
}

// JitterSleep blocks for a random duration in [min, max), or until ctx is
// cancelled, whichever comes first. Intended for poll loops that must not
// thunder in lockstep, such as the arbiter's Acquire retry and the
// segmentation scheduler's backoff while its circuit breaker is open.
func JitterSleep(ctx context.Context, min, max time.Duration) error {
	if max <= min {
		max = min + time.Millisecond
	}
	d := min + time.Duration(rand.Int63n(int64(max-min)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
