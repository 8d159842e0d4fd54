package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of retry attempts after the first try
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the delay between retries
	Multiplier   float64       // Exponential backoff multiplier
	Jitter       bool          // Randomize delays to avoid thundering herd
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Fixed returns a configuration retrying at a constant interval.
func Fixed(attempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}

// Do executes fn with backoff retries until it succeeds, the attempts are
// exhausted, or the context is cancelled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(delayFor(cfg, attempt)):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes a result-returning fn with the same retry semantics
// as Do.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(delayFor(cfg, attempt)):
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

func delayFor(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	d := time.Duration(delay)
	if cfg.Jitter && d > 0 {
		// +/-25% around the computed delay
		jitter := d / 4
		d = d - jitter + time.Duration(rand.Int63n(int64(2*jitter)+1))
	}
	return d
}
