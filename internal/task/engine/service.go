package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"agentsched/internal/eventbus"
	logx "agentsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Scheduler owns the queues, accepts submissions and dispatches instances
// while each queue has spare capacity.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	queues  map[string]*queue
	started bool
	stopped bool

	// ctx is the parent of every instance context; Stop cancels it with ErrStopped.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// wg tracks dispatch passes and running handlers.
	wg sync.WaitGroup

	seq atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	backlogWarn rate.Sometimes
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		queues:      make(map[string]*queue),
		ctx:         ctx,
		cancel:      cancel,
		backlogWarn: rate.Sometimes{Interval: warnThrottleEvery},
	}
}

// Start enables dispatching. Submissions accepted before Start stay pending,
// so a burst submitted up front is dispatched in priority order.
//
// Start is idempotent. When ctx ends the scheduler stops as if Stop was called
// (without waiting).
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	qs := s.queueListLocked()
	s.mu.Unlock()

	context.AfterFunc(ctx, func() { s.halt() })

	s.log.Info("scheduler started", logx.Int("queues", len(qs)), logx.Duration("backoff_step", s.cfg.BackoffStep))
	for _, q := range qs {
		s.kick(q)
	}
}

// Stop cancels every pending and running instance with ErrStopped and waits
// for running handlers to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.halt()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Scheduler) halt() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	qs := s.queueListLocked()
	s.mu.Unlock()

	s.cancel(ErrStopped)

	for _, q := range qs {
		q.mu.Lock()
		left := q.drainLocked()
		q.mu.Unlock()
		for _, in := range left {
			in.done()
		}
	}
}

// SetQueue creates the named queue or updates its limit in place.
// Pending and running instances are kept; a lower limit never preempts.
func (s *Scheduler) SetQueue(name string, limit int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &InvalidQueueError{Queue: name}
	}
	if limit < 1 {
		return fmt.Errorf("queue %q: %w (got %d)", name, ErrInvalidLimit, limit)
	}

	s.mu.Lock()
	q := s.queues[name]
	created := q == nil
	prev := 0
	if created {
		q = newQueue(name, limit)
		s.queues[name] = q
	} else {
		q.mu.Lock()
		prev = q.limit
		q.limit = limit
		q.mu.Unlock()
	}
	s.mu.Unlock()

	if created {
		s.log.Debug("queue created", logx.String("queue", name), logx.Int("limit", limit))
	} else if prev != limit {
		s.log.Info("queue limit changed", logx.String("queue", name), logx.Int("from", prev), logx.Int("to", limit))
	}
	s.kick(q)
	return nil
}

// Submit enqueues one instance of def.
//
// ctx is the external cancellation signal: when it ends, the instance is
// cancelled with context.Cause(ctx). The returned future settles exactly once.
func (s *Scheduler) Submit(ctx context.Context, def *Definition, params any, ov Overrides) (*Future, error) {
	if def == nil {
		return nil, errors.New("task definition is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	opts := def.opts.overlay(ov)
	if err := opts.Retry.validate(); err != nil {
		return nil, fmt.Errorf("task %q: %w", def.key, err)
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("task %q: timeout must be >= 0", def.key)
	}
	if !opts.timeoutSet {
		opts.Timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	q := s.queues[opts.Queue]
	if q == nil {
		if opts.Queue != MainQueue {
			s.mu.Unlock()
			return nil, &InvalidQueueError{Queue: opts.Queue}
		}
		limit := def.concurrency
		if limit <= 0 {
			limit = s.cfg.MainConcurrency
		}
		q = newQueue(MainQueue, limit)
		s.queues[MainQueue] = q
	}

	in := s.newInstance(ctx, q, def, params, opts)

	// Push under s.mu so Start either sees this instance or we see started.
	q.mu.Lock()
	q.pushLocked(in)
	backlog := q.pending.Len()
	q.mu.Unlock()
	started := s.started
	s.mu.Unlock()

	s.publish(EventQueued, in, "", "")
	s.log.Debug("task.queued", logx.String("task", def.key), logx.String("id", in.id), logx.String("queue", q.name), logx.Int("priority", opts.Priority))
	if backlog > s.cfg.BacklogWarn {
		s.backlogWarn.Do(func() {
			s.log.Warn("queue backlog high", logx.String("queue", q.name), logx.Int("pending", backlog), logx.Int("warn_at", s.cfg.BacklogWarn))
		})
	}

	if started {
		s.kick(q)
	}
	return in.fut, nil
}

func (s *Scheduler) newInstance(ext context.Context, q *queue, def *Definition, params any, opts Options) *instance {
	id := uuid.NewString()
	ictx, cancel := context.WithCancelCause(s.ctx)
	in := &instance{
		id:         id,
		def:        def,
		params:     params,
		opts:       opts,
		seq:        s.seq.Add(1),
		q:          q,
		index:      -1,
		enqueuedAt: time.Now(),
		ctx:        ictx,
		cancel:     cancel,
		fut:        newFuture(id, cancel),
	}

	// Fan-in: caller context and timeout feed the same one-shot signal.
	if ext.Done() != nil {
		in.cleanup = append(in.cleanup, context.AfterFunc(ext, func() { cancel(context.Cause(ext)) }))
	}
	if opts.Timeout > 0 {
		t := time.AfterFunc(opts.Timeout, func() { cancel(ErrTimeout) })
		in.cleanup = append(in.cleanup, t.Stop)
	}
	// Whichever source fires first rejects the future right away, even mid-attempt.
	// A still-pending instance also leaves its queue so it stops counting as backlog.
	context.AfterFunc(ictx, func() {
		if q.remove(in) {
			in.done()
		}
		s.settle(in, nil, &CancelledError{ID: id, Key: def.key, Cause: context.Cause(ictx)})
	})
	return in
}

// kick schedules a dispatch pass for q on its own goroutine.
func (s *Scheduler) kick(q *queue) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.dispatch(q)
	}()
}

// dispatch moves pending instances to running while q has capacity.
// A pass started while another is active for the same queue returns at once;
// the active pass re-checks pending under the lock before it exits.
func (s *Scheduler) dispatch(q *queue) {
	q.mu.Lock()
	if q.dispatching {
		q.mu.Unlock()
		return
	}
	q.dispatching = true
	for {
		in, dropped := q.nextLocked()
		if in == nil {
			q.dispatching = false
			q.mu.Unlock()
			releaseAll(dropped)
			return
		}
		in.startedAt.Store(time.Now().UnixNano())
		s.wg.Add(1)
		q.mu.Unlock()

		releaseAll(dropped)
		go s.run(q, in)

		q.mu.Lock()
	}
}

func releaseAll(ins []*instance) {
	for _, in := range ins {
		in.done()
	}
}

// run executes one dispatched instance and frees its slot once the handler returns.
func (s *Scheduler) run(q *queue, in *instance) {
	defer s.wg.Done()

	s.execute(in)

	q.mu.Lock()
	delete(q.running, in.id)
	q.completed++
	q.mu.Unlock()

	in.done()
	s.kick(q)
}

// Snapshot returns a point-in-time view of queues and recent outcomes.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	qs := s.queueListLocked()
	snap := Snapshot{
		Started:        s.started,
		Stopped:        s.stopped,
		BackoffStep:    s.cfg.BackoffStep,
		DefaultTimeout: s.cfg.DefaultTimeout,
	}
	s.mu.Unlock()

	snap.Queues = make([]QueueSnapshot, 0, len(qs))
	for _, q := range qs {
		snap.Queues = append(snap.Queues, q.snapshot())
	}

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

// queueListLocked returns queues sorted by name. Requires s.mu.
func (s *Scheduler) queueListLocked() []*queue {
	qs := make([]*queue, 0, len(s.queues))
	for _, q := range s.queues {
		qs = append(qs, q)
	}
	sort.Slice(qs, func(i, j int) bool { return qs[i].name < qs[j].name })
	return qs
}

func (s *Scheduler) publish(typ string, in *instance, status Status, errStr string) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{
		ID:        in.id,
		Key:       in.def.key,
		Queue:     in.opts.Queue,
		Priority:  in.opts.Priority,
		Attempts:  int(in.attempts.Load()),
		Status:    status,
		QueuedAt:  in.enqueuedAt,
		StartedAt: in.started(),
		Error:     errStr,
	}
	if status != "" {
		ev.FinishedAt = time.Now()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
