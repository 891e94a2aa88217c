package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQueue = errors.New("invalid queue")
	ErrInvalidLimit = errors.New("queue concurrency limit must be >= 1")
	ErrCancelled    = errors.New("task cancelled")
	ErrTimeout      = errors.New("task timed out")
	ErrStopped      = errors.New("scheduler stopped")
	ErrNotSettled   = errors.New("task not settled yet")
)

// InvalidQueueError is returned by Submit when the target queue was never configured.
type InvalidQueueError struct {
	Queue string
}

func (e *InvalidQueueError) Error() string {
	return fmt.Sprintf("invalid queue %q: not configured", e.Queue)
}

func (e *InvalidQueueError) Is(target error) bool { return target == ErrInvalidQueue }

// CancelledError is delivered to the future when an instance is cancelled
// (timeout, caller context, Future.Cancel or scheduler stop).
//
// errors.Is(err, ErrCancelled) is always true; Cause tells which source fired first.
type CancelledError struct {
	ID    string
	Key   string
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("task %s (%s) cancelled", e.Key, e.ID)
	}
	return fmt.Sprintf("task %s (%s) cancelled: %v", e.Key, e.ID, e.Cause)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }
func (e *CancelledError) Unwrap() error        { return e.Cause }

// NoRetry marks an error as non-retryable.
//
// Handlers can wrap validation errors or other permanent failures with NoRetry
// so the retry policy is skipped. The caller receives the unwrapped error.
//
// Example:
//
//	return nil, engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
