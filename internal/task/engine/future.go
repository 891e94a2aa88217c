package engine

import (
	"context"
	"sync"
)

// Future delivers exactly one terminal outcome of a submission.
type Future struct {
	id     string
	done   chan struct{}
	once   sync.Once
	val    any
	err    error
	cancel context.CancelCauseFunc
}

func newFuture(id string, cancel context.CancelCauseFunc) *Future {
	return &Future{id: id, done: make(chan struct{}), cancel: cancel}
}

// ID returns the instance id.
func (f *Future) ID() string { return f.id }

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome without blocking. Before settlement it returns ErrNotSettled.
func (f *Future) Result() (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		return nil, ErrNotSettled
	}
}

// Wait blocks until the outcome is available or ctx ends.
// Giving up on ctx does not cancel the instance; use Cancel for that.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation. The future settles immediately with a
// *CancelledError unless it already settled.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel(ErrCancelled)
	}
}

// settle reports whether this call delivered the outcome.
func (f *Future) settle(v any, err error) bool {
	won := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		won = true
		close(f.done)
	})
	return won
}
