package common

import (
	"context"
	"time"
)

// DefaultAPITimeout bounds a whole API operation.
const DefaultAPITimeout = 5 * time.Minute

type raceResult[T any] struct {
	value T
	err   error
}

// WithTimeout starts operation and waits at most timeout for it to settle.
// When the deadline wins, a *TimeoutError carrying message is returned and
// the context handed to operation is cancelled. Cancellation is best effort:
// an operation that ignores its context keeps running until it returns, and
// its result is discarded. Retries never happen here.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, message string, operation func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultAPITimeout
	}

	opCtx, cancel := context.WithCancel(ctx)
	done := make(chan raceResult[T], 1)

	go func() {
		v, err := operation(opCtx)
		done <- raceResult[T]{value: v, err: err}
	}()

	return race(ctx, done, timeout, message, cancel)
}

// race waits for an already-started operation that delivers exactly one
// result on done. release runs once the race is decided either way.
func race[T any](ctx context.Context, done <-chan raceResult[T], timeout time.Duration, message string, release context.CancelFunc) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer release()

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return zero, NewTimeoutError(message, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// CancellableTimer runs fn after d unless the returned stop function is
// called first. stop reports whether it prevented fn from running.
func CancellableTimer(d time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(d, fn)
	return t.Stop
}
