package common

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Veraticus/esg-flow/internal/service"
)

// ErrMaxRetries indicates that all retry attempts have been exhausted.
var ErrMaxRetries = errors.New("max retries exceeded")

// RetryableError wraps an error with an explicit retry decision that
// overrides its classification.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return Classify(err).Retryable()
}

// RetryError reports how a retried operation ended.
type RetryError struct {
	Err       error
	Attempts  int
	Exhausted bool
}

func (e *RetryError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%v after %d attempts: %v", ErrMaxRetries, e.Attempts, e.Err)
	}
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Is matches ErrMaxRetries when the attempts were exhausted.
func (e *RetryError) Is(target error) bool {
	return e.Exhausted && target == ErrMaxRetries
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy extends RetryOptions with hooks used by callers that need to
// observe every attempt.
type RetryPolicy struct {
	Sleep     Sleeper
	Retryable func(error) bool
	OnRetry   func(attempt int, delay time.Duration, err error)
	service.RetryOptions
}

// NormalizeRetryOptions fills zero fields with the stock defaults.
func NormalizeRetryOptions(opts service.RetryOptions) service.RetryOptions {
	def := service.DefaultRetryOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = def.InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = def.Multiplier
	}
	return opts
}

// Backoff returns the delay that follows a failed attempt:
// min(InitialDelay * Multiplier^(attempt-1), MaxDelay).
func Backoff(attempt int, opts service.RetryOptions) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(opts.InitialDelay) * math.Pow(opts.Multiplier, float64(attempt-1))
	if delay >= float64(opts.MaxDelay) || math.IsInf(delay, 0) {
		return opts.MaxDelay
	}
	return time.Duration(delay)
}

// WithRetry executes an operation with configurable retry behavior.
func WithRetry(ctx context.Context, operation func() error, opts service.RetryOptions) error {
	return Retry(ctx, func(int) error { return operation() }, RetryPolicy{RetryOptions: opts})
}

// Retry runs operation until it succeeds, fails with a non-retryable error,
// or MaxAttempts is reached. The operation receives its 1-based attempt number.
func Retry(ctx context.Context, operation func(attempt int) error, policy RetryPolicy) error {
	opts := NormalizeRetryOptions(policy.RetryOptions)
	sleep := policy.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err := operation(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return &RetryError{Err: err, Attempts: attempt}
		}

		if attempt == opts.MaxAttempts {
			break
		}

		delay := Backoff(attempt, opts)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, delay, err)
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return &RetryError{Err: fmt.Errorf("retry interrupted: %w", sleepErr), Attempts: attempt}
		}
	}

	return &RetryError{Err: lastErr, Attempts: opts.MaxAttempts, Exhausted: true}
}
