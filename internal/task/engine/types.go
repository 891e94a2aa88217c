package engine

import (
	"fmt"
	"strings"
	"time"
)

// MainQueue is the queue used when neither the definition nor the submission
// names one. It is the only queue created lazily on first use.
const MainQueue = "main"

const (
	defaultMainConcurrency = 2
	defaultBackoffStep     = 250 * time.Millisecond
	defaultHistorySize     = 200
	defaultBacklogWarn     = 1000
)

// Config controls the scheduler.
type Config struct {
	// MainConcurrency is the limit used when the main queue is created lazily
	// by a definition that does not carry its own concurrency.
	MainConcurrency int

	// BackoffStep is the linear retry unit: attempt n (n > 1) waits n*BackoffStep.
	BackoffStep time.Duration

	// DefaultTimeout is used when neither the definition nor the submission sets one.
	// 0 disables it.
	DefaultTimeout time.Duration

	HistorySize int

	// BacklogWarn logs a (throttled) warning when a queue holds more pending
	// instances than this.
	BacklogWarn int
}

func (c Config) withDefaults() Config {
	if c.MainConcurrency <= 0 {
		c.MainConcurrency = defaultMainConcurrency
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = defaultBackoffStep
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.BacklogWarn <= 0 {
		c.BacklogWarn = defaultBacklogWarn
	}
	return c
}

type retryMode int

const (
	retryNever retryMode = iota
	retryAlways
	retryCount
	retryWhen
)

// RetryPolicy decides whether a failed attempt is followed by another one.
// The zero value never retries.
type RetryPolicy struct {
	mode retryMode
	max  int
	when func(attempt int, err error) bool
}

// RetryNever fails the instance on the first handler error.
func RetryNever() RetryPolicy { return RetryPolicy{} }

// RetryAlways retries until the handler succeeds or the instance is cancelled.
func RetryAlways() RetryPolicy { return RetryPolicy{mode: retryAlways} }

// RetryCount allows at most n attempts in total. n <= 1 means no retry.
func RetryCount(n int) RetryPolicy {
	if n <= 1 {
		return RetryPolicy{}
	}
	return RetryPolicy{mode: retryCount, max: n}
}

// RetryWhen retries while fn returns true. attempt is the number of attempts made so far.
func RetryWhen(fn func(attempt int, err error) bool) RetryPolicy {
	return RetryPolicy{mode: retryWhen, when: fn}
}

func (p RetryPolicy) shouldRetry(attempt int, err error) bool {
	switch p.mode {
	case retryAlways:
		return true
	case retryCount:
		return attempt < p.max
	case retryWhen:
		return p.when != nil && p.when(attempt, err)
	default:
		return false
	}
}

func (p RetryPolicy) validate() error {
	if p.mode == retryWhen && p.when == nil {
		return fmt.Errorf("retry predicate is nil")
	}
	return nil
}

func (p RetryPolicy) String() string {
	switch p.mode {
	case retryAlways:
		return "always"
	case retryCount:
		return fmt.Sprintf("count(%d)", p.max)
	case retryWhen:
		return "predicate"
	default:
		return "never"
	}
}

// Options are the scheduling options of a single instance.
type Options struct {
	Priority int
	Retry    RetryPolicy
	Queue    string
	Timeout  time.Duration

	// timeoutSet distinguishes an explicit 0 (no timeout) from "inherit
	// Config.DefaultTimeout".
	timeoutSet bool
}

// TimeoutSet reports whether Timeout was set explicitly, including to 0.
func (o Options) TimeoutSet() bool { return o.timeoutSet }

// Overrides replace definition defaults for one submission.
// Nil (or empty) fields keep the definition value. A non-nil Timeout of 0
// disables the timeout for this submission.
type Overrides struct {
	Priority *int
	Retry    *RetryPolicy
	Queue    string
	Timeout  *time.Duration
}

// Ptr is a small helper for filling Overrides.
func Ptr[T any](v T) *T { return &v }

func (o Options) overlay(ov Overrides) Options {
	if ov.Priority != nil {
		o.Priority = *ov.Priority
	}
	if ov.Retry != nil {
		o.Retry = *ov.Retry
	}
	if q := strings.TrimSpace(ov.Queue); q != "" {
		o.Queue = q
	}
	if ov.Timeout != nil {
		o.Timeout = *ov.Timeout
		o.timeoutSet = true
	}
	if strings.TrimSpace(o.Queue) == "" {
		o.Queue = MainQueue
	}
	return o
}

// Status is the terminal outcome of an instance.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Event types published on the bus.
const (
	EventQueued    = "task.queued"
	EventStarted   = "task.started"
	EventRetry     = "task.retry"
	EventFinished  = "task.finished"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
)

type HistoryItem struct {
	ID         string
	Key        string
	Queue      string
	Priority   int
	Attempts   int
	Status     Status
	QueuedAt   time.Time
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Queue      string    `json:"queue"`
	Priority   int       `json:"priority"`
	Attempts   int       `json:"attempts"`
	Status     Status    `json:"status,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type QueueSnapshot struct {
	Name      string
	Limit     int
	Pending   int
	Running   int
	Peak      int
	Submitted uint64
	Completed uint64
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Started        bool
	Stopped        bool
	BackoffStep    time.Duration
	DefaultTimeout time.Duration
	Queues         []QueueSnapshot
	History        []HistoryItem
}

// Queue returns the named queue snapshot.
func (s Snapshot) Queue(name string) (QueueSnapshot, bool) {
	for _, q := range s.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueSnapshot{}, false
}
