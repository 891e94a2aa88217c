package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Handler runs one attempt of a task.
//
// ctx is the instance's cancellation signal: it is done when the instance
// times out, the submitter's context ends, Future.Cancel is called or the
// scheduler stops. Use InstanceID(ctx) and Attempt(ctx) for diagnostics.
type Handler func(ctx context.Context, params any) (any, error)

// Definition is an immutable template for a kind of work.
type Definition struct {
	key         string
	handler     Handler
	opts        Options
	concurrency int
}

type DefineOption func(*Definition)

// WithPriority sets the default priority. Higher runs first.
func WithPriority(p int) DefineOption {
	return func(d *Definition) { d.opts.Priority = p }
}

// WithRetry sets the default retry policy.
func WithRetry(p RetryPolicy) DefineOption {
	return func(d *Definition) { d.opts.Retry = p }
}

// WithQueue sets the default target queue.
func WithQueue(name string) DefineOption {
	return func(d *Definition) { d.opts.Queue = strings.TrimSpace(name) }
}

// WithTimeout sets the default per-instance timeout. 0 means none, even when
// the scheduler has a DefaultTimeout; leave it unset to inherit that.
func WithTimeout(t time.Duration) DefineOption {
	return func(d *Definition) {
		d.opts.Timeout = t
		d.opts.timeoutSet = true
	}
}

// WithConcurrency sets the limit used if this definition's first submission
// creates the main queue. It never changes an existing queue.
func WithConcurrency(n int) DefineOption {
	return func(d *Definition) { d.concurrency = n }
}

// Define validates and returns a task definition. It has no scheduling side effects.
func Define(key string, h Handler, opts ...DefineOption) (*Definition, error) {
	d := &Definition{key: strings.TrimSpace(key), handler: h}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	if d.key == "" {
		return nil, errors.New("task key is required")
	}
	if d.handler == nil {
		return nil, fmt.Errorf("task %q: handler is nil", d.key)
	}
	if d.opts.Timeout < 0 {
		return nil, fmt.Errorf("task %q: timeout must be >= 0", d.key)
	}
	if d.concurrency < 0 {
		return nil, fmt.Errorf("task %q: concurrency must be >= 0", d.key)
	}
	if err := d.opts.Retry.validate(); err != nil {
		return nil, fmt.Errorf("task %q: %w", d.key, err)
	}
	if d.opts.Queue == "" {
		d.opts.Queue = MainQueue
	}
	return d, nil
}

// MustDefine is like Define but panics on invalid input.
// Intended for package-level definitions.
func MustDefine(key string, h Handler, opts ...DefineOption) *Definition {
	d, err := Define(key, h, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Definition) Key() string      { return d.key }
func (d *Definition) Options() Options { return d.opts }
func (d *Definition) Concurrency() int { return d.concurrency }
func (d *Definition) String() string   { return d.key }

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	attemptKey
)

// InstanceID returns the id of the instance whose handler received ctx.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// Attempt returns the 1-based attempt number of the running handler.
func Attempt(ctx context.Context) int {
	v, _ := ctx.Value(attemptKey).(int)
	return v
}
