package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	// ErrOverlapSkip: a task with the same concurrency key is queued or running.
	ErrOverlapSkip = errors.New("task key already queued or running")
)

// Interrupted reports whether a Result.Err means the engine cut the task
// short, as opposed to the task deciding its own outcome.
func Interrupted(err error) bool {
	return errors.Is(err, ErrStopping) || errors.Is(err, context.Canceled)
}

// NoRetry ends the attempt loop with err, whatever MaxAttempts allows.
// Callers use it for failures another attempt in the same run cannot fix and
// leave redelivery to whoever handles OnDone.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return stopRetry{err: err}
}

func IsNoRetry(err error) bool {
	var e stopRetry
	return errors.As(err, &e)
}

type stopRetry struct{ err error }

func (e stopRetry) Error() string { return e.err.Error() }
func (e stopRetry) Unwrap() error { return e.err }

// RetryAfterError carries a server-suggested delay (an HTTP 429 Retry-After,
// say). The engine waits that long, capped at RetryMaxDelay and jittered,
// instead of its own backoff.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter attaches a retry hint to err. Negative hints mean retry now.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return hinted{err: err, after: max(after, 0)}
}

type hinted struct {
	err   error
	after time.Duration
}

func (e hinted) Error() string             { return fmt.Sprintf("%v (retry in %s)", e.err, e.after) }
func (e hinted) Unwrap() error             { return e.err }
func (e hinted) RetryAfter() time.Duration { return e.after }
