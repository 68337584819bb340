// Package retry provides exponential backoff for transient failures.
//
// Two users share it: the rule engine retries an atomic step that lost an
// optimistic-concurrency race, and the outbox dispatcher schedules the next
// delivery attempt of a failed event.
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 20 * time.Millisecond,
//		MaxInterval:     500 * time.Millisecond,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      2,
//	}
//
//	err := retry.WithRetry(ctx, func() error {
//		err := step(ctx)
//		if err != nil && !errors.Is(err, consts.ErrConcurrentModification) {
//			return retry.Stop(err)
//		}
//		return err
//	}, cfg)
//
// With jitter enabled the delay is baseDelay * (0.5 + random(0, 0.5)).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/ruled/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int

	// OnRetry is called before each retry with the attempt number about to run
	// and the error of the previous one.
	OnRetry func(attempt int, err error)
}

// ExponentialBackoff returns the delay for a given attempt. Attempt 1 waits
// InitialInterval, each later attempt multiplies it, capped at MaxInterval.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(multiplier, float64(attempt-1))

		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)

		if config.Jitter && duration >= 2 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}

		return duration
	}
}

type RetryableFunc func() error

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry runs fn up to MaxRetries+1 times. A StopError ends the loop at once
// and its inner error is returned unwrapped. When every attempt fails the last
// error is returned wrapped, so errors.Is still sees it.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			if config.OnRetry != nil {
				config.OnRetry(attempts, lastErr)
			}
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		logger.Debug("Retry: attempt failed", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
