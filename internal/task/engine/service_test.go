package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentsched/internal/eventbus"
	logx "agentsched/pkg/logx"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.BackoffStep == 0 {
		cfg.BackoffStep = 2 * time.Millisecond
	}
	s := New(cfg, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, f *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future %s did not settle", f.ID())
	return v, err
}

// recorder collects keys in completion order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(k string) {
	r.mu.Lock()
	r.order = append(r.order, k)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// gauge tracks the number of concurrently running handlers and its peak.
type gauge struct {
	cur  atomic.Int32
	peak atomic.Int32
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

func sleepHandler(g *gauge, d time.Duration) Handler {
	return func(ctx context.Context, params any) (any, error) {
		g.enter()
		defer g.leave()
		time.Sleep(d)
		return params, nil
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 3))
	s.Start(context.Background())

	var g gauge
	def := MustDefine("bounded", sleepHandler(&g, 10*time.Millisecond))

	futs := make([]*Future, 0, 20)
	for i := 0; i < 20; i++ {
		f, err := s.Submit(context.Background(), def, i, Overrides{})
		require.NoError(t, err)
		futs = append(futs, f)
	}
	for i, f := range futs {
		v, err := waitResult(t, f)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	assert.LessOrEqual(t, g.peak.Load(), int32(3))
	assert.Equal(t, int32(3), g.peak.Load(), "burst should fill the queue")
	qs, ok := s.Snapshot().Queue(MainQueue)
	require.True(t, ok)
	assert.LessOrEqual(t, qs.Peak, 3)
	assert.Equal(t, uint64(20), qs.Completed)
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 1))

	var rec recorder
	def := MustDefine("prio", func(ctx context.Context, params any) (any, error) {
		rec.add(params.(string))
		return nil, nil
	})

	var futs []*Future
	for _, tc := range []struct {
		name string
		prio int
	}{{"P1", 1}, {"P2", 10}, {"P3", 5}} {
		f, err := s.Submit(context.Background(), def, tc.name, Overrides{Priority: Ptr(tc.prio)})
		require.NoError(t, err)
		futs = append(futs, f)
	}
	s.Start(context.Background())
	for _, f := range futs {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"P2", "P3", "P1"}, rec.list())
}

func TestPriorityNeverPreemptsRunning(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 1))
	s.Start(context.Background())

	var rec recorder
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := MustDefine("blocker", func(ctx context.Context, params any) (any, error) {
		close(started)
		<-release
		rec.add("blocker")
		return nil, nil
	})
	work := MustDefine("work", func(ctx context.Context, params any) (any, error) {
		rec.add(params.(string))
		return nil, nil
	})

	fb, err := s.Submit(context.Background(), blocker, nil, Overrides{})
	require.NoError(t, err)
	<-started

	var futs []*Future
	for _, tc := range []struct {
		name string
		prio int
	}{{"low", 1}, {"high", 100}, {"mid", 50}} {
		f, err := s.Submit(context.Background(), work, tc.name, Overrides{Priority: Ptr(tc.prio)})
		require.NoError(t, err)
		futs = append(futs, f)
	}
	close(release)

	_, err = waitResult(t, fb)
	require.NoError(t, err)
	for _, f := range futs {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"blocker", "high", "mid", "low"}, rec.list())
}

func TestFIFOTieBreak(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 1))

	var rec recorder
	def := MustDefine("fifo", func(ctx context.Context, params any) (any, error) {
		rec.add(params.(string))
		return nil, nil
	}, WithPriority(7))

	want := []string{"A", "B", "C", "D", "E", "F"}
	var futs []*Future
	for _, k := range want {
		f, err := s.Submit(context.Background(), def, k, Overrides{})
		require.NoError(t, err)
		futs = append(futs, f)
	}
	s.Start(context.Background())
	for _, f := range futs {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}
	assert.Equal(t, want, rec.list())
}

func TestRetryConvergence(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	s.Start(context.Background())

	var calls atomic.Int32
	var lastAttempt atomic.Int32
	def := MustDefine("flaky", func(ctx context.Context, params any) (any, error) {
		n := calls.Add(1)
		lastAttempt.Store(int32(Attempt(ctx)))
		if n < 3 {
			return nil, fmt.Errorf("attempt %d failed", n)
		}
		return "ok", nil
	}, WithRetry(RetryCount(3)))

	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	v, err := waitResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(3), lastAttempt.Load())

	h := s.Snapshot().History
	require.Len(t, h, 1)
	assert.Equal(t, 3, h[0].Attempts)
	assert.Equal(t, StatusSucceeded, h[0].Status)
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	s.Start(context.Background())

	var calls atomic.Int32
	def := MustDefine("broken", func(ctx context.Context, params any) (any, error) {
		return nil, fmt.Errorf("failure %d", calls.Add(1))
	})

	f, err := s.Submit(context.Background(), def, nil, Overrides{Retry: Ptr(RetryCount(2))})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.EqualError(t, err, "failure 2")
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryNeverByDefault(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	s.Start(context.Background())

	var calls atomic.Int32
	boom := errors.New("boom")
	def := MustDefine("once", func(ctx context.Context, params any) (any, error) {
		calls.Add(1)
		return nil, boom
	})
	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryPredicate(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	s.Start(context.Background())

	transient := errors.New("transient")
	var calls atomic.Int32
	def := MustDefine("pred", func(ctx context.Context, params any) (any, error) {
		calls.Add(1)
		return nil, transient
	}, WithRetry(RetryWhen(func(attempt int, err error) bool {
		return errors.Is(err, transient) && attempt < 4
	})))

	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.ErrorIs(t, err, transient)
	assert.Equal(t, int32(4), calls.Load())
}

func TestRetryAlwaysStopsOnTimeout(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{BackoffStep: time.Millisecond})
	s.Start(context.Background())

	var calls atomic.Int32
	def := MustDefine("forever", func(ctx context.Context, params any) (any, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	}, WithRetry(RetryAlways()), WithTimeout(80*time.Millisecond))

	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Greater(t, calls.Load(), int32(1))
}

func TestNoRetrySkipsPolicy(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	s.Start(context.Background())

	bad := errors.New("bad input")
	var calls atomic.Int32
	def := MustDefine("validate", func(ctx context.Context, params any) (any, error) {
		calls.Add(1)
		return nil, NoRetry(bad)
	}, WithRetry(RetryCount(5)))

	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.ErrorIs(t, err, bad)
	assert.False(t, IsNoRetry(err), "caller gets the unwrapped error")
	assert.Equal(t, int32(1), calls.Load())
}

func TestBackoffIsLinear(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	assert.Equal(t, 500*time.Millisecond, s.backoff(2))
	assert.Equal(t, 750*time.Millisecond, s.backoff(3))
	assert.Equal(t, 250*time.Millisecond, s.cfg.BackoffStep)
}

func TestPerQueueIsolation(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 5))
	require.NoError(t, s.SetQueue("custom", 1))
	s.Start(context.Background())

	var custom, main gauge
	cdef := MustDefine("custom", sleepHandler(&custom, 20*time.Millisecond), WithQueue("custom"))
	mdef := MustDefine("main", sleepHandler(&main, 20*time.Millisecond))

	var futs []*Future
	for i := 0; i < 3; i++ {
		f, err := s.Submit(context.Background(), cdef, i, Overrides{})
		require.NoError(t, err)
		futs = append(futs, f)
		f, err = s.Submit(context.Background(), mdef, i, Overrides{})
		require.NoError(t, err)
		futs = append(futs, f)
	}
	for _, f := range futs {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), custom.peak.Load())
	assert.Equal(t, int32(3), main.peak.Load())
}

func TestSubmitUnknownQueue(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	def := MustDefine("lost", func(ctx context.Context, params any) (any, error) { return nil, nil })

	_, err := s.Submit(context.Background(), def, nil, Overrides{Queue: "nope"})
	require.ErrorIs(t, err, ErrInvalidQueue)
	var qe *InvalidQueueError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "nope", qe.Queue)

	_, err = s.Submit(context.Background(), MustDefine("lost2", def.handler, WithQueue("elsewhere")), nil, Overrides{})
	require.ErrorIs(t, err, ErrInvalidQueue)
}

func TestMainQueueCreatedLazily(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{MainConcurrency: 9})
	def := MustDefine("lazy", func(ctx context.Context, params any) (any, error) { return nil, nil }, WithConcurrency(4))

	_, ok := s.Snapshot().Queue(MainQueue)
	require.False(t, ok)

	_, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	qs, ok := s.Snapshot().Queue(MainQueue)
	require.True(t, ok)
	assert.Equal(t, 4, qs.Limit)
	assert.Equal(t, 1, qs.Pending)
}

func TestSetQueueIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 2))
	s.Start(context.Background())

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	def := MustDefine("hold", func(ctx context.Context, params any) (any, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	})
	awaitEntered := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			select {
			case <-entered:
			case <-time.After(5 * time.Second):
				t.Fatalf("handler %d of %d never started", i+1, n)
			}
		}
	}

	var futs []*Future
	for i := 0; i < 4; i++ {
		f, err := s.Submit(context.Background(), def, nil, Overrides{})
		require.NoError(t, err)
		futs = append(futs, f)
	}
	awaitEntered(2)

	before, _ := s.Snapshot().Queue(MainQueue)
	require.Equal(t, 2, before.Running)
	require.Equal(t, 2, before.Pending)

	require.NoError(t, s.SetQueue(MainQueue, 5))
	require.NoError(t, s.SetQueue(MainQueue, 5))
	awaitEntered(2)

	after, _ := s.Snapshot().Queue(MainQueue)
	assert.Equal(t, 4, after.Running)
	assert.Equal(t, 0, after.Pending)
	assert.Equal(t, 5, after.Limit)
	assert.Equal(t, before.Submitted, after.Submitted)

	close(release)
	for _, f := range futs {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}
}

func TestSetQueueLowerLimitDoesNotPreempt(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 3))
	s.Start(context.Background())

	release := make(chan struct{})
	var running sync.WaitGroup
	running.Add(3)
	def := MustDefine("hold", func(ctx context.Context, params any) (any, error) {
		running.Done()
		<-release
		return nil, nil
	})
	for i := 0; i < 3; i++ {
		_, err := s.Submit(context.Background(), def, nil, Overrides{})
		require.NoError(t, err)
	}
	running.Wait()

	require.NoError(t, s.SetQueue(MainQueue, 1))
	q, _ := s.Snapshot().Queue(MainQueue)
	assert.Equal(t, 3, q.Running)
	assert.Equal(t, 1, q.Limit)
	close(release)
}

func TestSetQueueRejectsBadLimit(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.ErrorIs(t, s.SetQueue("x", 0), ErrInvalidLimit)
	require.ErrorIs(t, s.SetQueue("  ", 1), ErrInvalidQueue)
}

func TestExampleScenario(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 2))

	var g gauge
	var rec recorder
	mk := func(name string, d time.Duration) *Definition {
		return MustDefine(name, func(ctx context.Context, params any) (any, error) {
			g.enter()
			defer g.leave()
			time.Sleep(d)
			rec.add(name)
			return nil, nil
		})
	}
	long := mk("long", 150*time.Millisecond)
	short := mk("short", 50*time.Millisecond)
	medium := mk("medium", 100*time.Millisecond)

	var futs []*Future
	for _, d := range []*Definition{long, short, medium} {
		f, err := s.Submit(context.Background(), d, nil, Overrides{})
		require.NoError(t, err)
		futs = append(futs, f)
	}
	s.Start(context.Background())
	for _, f := range futs {
		_, err := waitResult(t, f)
		require.NoError(t, err)
	}

	order := rec.list()
	require.Len(t, order, 3)
	// long and medium both end near 150ms; only short's position is deterministic.
	assert.Equal(t, "short", order[0])
	assert.ElementsMatch(t, []string{"short", "medium", "long"}, order)
	assert.LessOrEqual(t, g.peak.Load(), int32(2))
}

func TestTimeoutCancelsInstance(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	s.Start(context.Background())

	observed := make(chan error, 1)
	def := MustDefine("slow", func(ctx context.Context, params any) (any, error) {
		<-ctx.Done()
		observed <- context.Cause(ctx)
		return nil, ctx.Err()
	})

	f, err := s.Submit(context.Background(), def, nil, Overrides{Timeout: Ptr(30 * time.Millisecond)})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, ErrTimeout)
	var ce *CancelledError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, f.ID(), ce.ID)
	assert.Equal(t, "slow", ce.Key)

	select {
	case cause := <-observed:
		assert.ErrorIs(t, cause, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed cancellation")
	}
}

func TestExternalCancellationSettlesImmediately(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 1))
	s.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	stubborn := MustDefine("stubborn", func(ctx context.Context, params any) (any, error) {
		close(started)
		<-release // ignores ctx on purpose
		return "late", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	f, err := s.Submit(ctx, stubborn, nil, Overrides{})
	require.NoError(t, err)
	<-started
	cancel()

	_, err = waitResult(t, f)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)

	// The slot is held until the handler actually returns.
	q, _ := s.Snapshot().Queue(MainQueue)
	assert.Equal(t, 1, q.Running)
	close(release)
	require.Eventually(t, func() bool {
		q, _ := s.Snapshot().Queue(MainQueue)
		return q.Running == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Outcome is not overwritten by the late success.
	v, err := f.Result()
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCancelWhilePendingSkipsHandler(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 1))
	s.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := MustDefine("blocker", func(ctx context.Context, params any) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	var invoked atomic.Bool
	victim := MustDefine("victim", func(ctx context.Context, params any) (any, error) {
		invoked.Store(true)
		return nil, nil
	})

	fb, err := s.Submit(context.Background(), blocker, nil, Overrides{})
	require.NoError(t, err)
	<-started
	fv, err := s.Submit(context.Background(), victim, nil, Overrides{})
	require.NoError(t, err)

	fv.Cancel()
	_, err = waitResult(t, fv)
	require.ErrorIs(t, err, ErrCancelled)

	close(release)
	_, err = waitResult(t, fb)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		q, _ := s.Snapshot().Queue(MainQueue)
		return q.Pending == 0 && q.Running == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, invoked.Load())
}

func TestCancelledPendingLeavesQueue(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	require.NoError(t, s.SetQueue(MainQueue, 1))
	s.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := MustDefine("blocker", func(ctx context.Context, params any) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	idle := MustDefine("idle", func(ctx context.Context, params any) (any, error) { return nil, nil })

	fb, err := s.Submit(context.Background(), blocker, nil, Overrides{})
	require.NoError(t, err)
	<-started

	var waiting []*Future
	for i := 0; i < 3; i++ {
		f, err := s.Submit(context.Background(), idle, nil, Overrides{Priority: Ptr(i)})
		require.NoError(t, err)
		waiting = append(waiting, f)
	}
	q, _ := s.Snapshot().Queue(MainQueue)
	require.Equal(t, 3, q.Pending)

	// Cancel from the middle of the heap, then the rest.
	waiting[1].Cancel()
	_, err = waitResult(t, waiting[1])
	require.ErrorIs(t, err, ErrCancelled)
	require.Eventually(t, func() bool {
		q, _ := s.Snapshot().Queue(MainQueue)
		return q.Pending == 2
	}, 2*time.Second, 5*time.Millisecond)

	waiting[0].Cancel()
	waiting[2].Cancel()
	require.Eventually(t, func() bool {
		q, _ := s.Snapshot().Queue(MainQueue)
		return q.Pending == 0 && q.Running == 1
	}, 2*time.Second, 5*time.Millisecond)

	q, _ = s.Snapshot().Queue(MainQueue)
	assert.EqualValues(t, 4, q.Submitted)

	close(release)
	_, err = waitResult(t, fb)
	require.NoError(t, err)
}

func TestExplicitZeroTimeoutOverridesDefault(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{DefaultTimeout: 20 * time.Millisecond})
	s.Start(context.Background())

	slow := func(ctx context.Context, params any) (any, error) {
		select {
		case <-time.After(60 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	inherit := MustDefine("inherit", slow)
	noLimit := MustDefine("no-limit", slow, WithTimeout(0))
	assert.False(t, inherit.Options().TimeoutSet())
	assert.True(t, noLimit.Options().TimeoutSet())

	f, err := s.Submit(context.Background(), inherit, nil, Overrides{})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.ErrorIs(t, err, ErrTimeout)

	f, err = s.Submit(context.Background(), inherit, nil, Overrides{Timeout: Ptr(time.Duration(0))})
	require.NoError(t, err)
	v, err := waitResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	f, err = s.Submit(context.Background(), noLimit, nil, Overrides{})
	require.NoError(t, err)
	v, err = waitResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestAttemptsCountInvocationsOnly(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{BackoffStep: time.Hour})
	s.Start(context.Background())

	failed := make(chan struct{})
	var calls atomic.Int32
	def := MustDefine("flaky", func(ctx context.Context, params any) (any, error) {
		if calls.Add(1) == 1 {
			close(failed)
		}
		return nil, errors.New("try again")
	}, WithRetry(RetryAlways()))

	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	<-failed
	f.Cancel()
	_, err = waitResult(t, f)
	require.ErrorIs(t, err, ErrCancelled)

	var item HistoryItem
	require.Eventually(t, func() bool {
		for _, h := range s.Snapshot().History {
			if h.ID == f.ID() {
				item = h
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusCancelled, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	s.Start(context.Background())

	def := MustDefine("panicky", func(ctx context.Context, params any) (any, error) {
		panic("kaboom")
	})
	after := MustDefine("after", func(ctx context.Context, params any) (any, error) { return 1, nil })

	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	f, err = s.Submit(context.Background(), after, nil, Overrides{})
	require.NoError(t, err)
	v, err := waitResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestInstanceIDVisibleToHandler(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	s.Start(context.Background())

	def := MustDefine("whoami", func(ctx context.Context, params any) (any, error) {
		return InstanceID(ctx), nil
	})
	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	v, err := waitResult(t, f)
	require.NoError(t, err)
	assert.Equal(t, f.ID(), v)
	assert.NotEmpty(t, f.ID())
}

func TestStopCancelsEverything(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	require.NoError(t, s.SetQueue(MainQueue, 1))
	s.Start(context.Background())

	started := make(chan struct{})
	def := MustDefine("long", func(ctx context.Context, params any) (any, error) {
		if params == "first" {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	running, err := s.Submit(context.Background(), def, "first", Overrides{})
	require.NoError(t, err)
	<-started
	pending, err := s.Submit(context.Background(), def, "second", Overrides{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	for _, f := range []*Future{running, pending} {
		_, err := waitResult(t, f)
		require.ErrorIs(t, err, ErrCancelled)
		require.ErrorIs(t, err, ErrStopped)
	}

	_, err = s.Submit(context.Background(), def, nil, Overrides{})
	require.ErrorIs(t, err, ErrStopped)
	assert.True(t, s.Snapshot().Stopped)
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s := New(Config{BackoffStep: time.Millisecond}, logx.Nop(), bus)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	s.Start(context.Background())

	var calls atomic.Int32
	def := MustDefine("evented", func(ctx context.Context, params any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("first try fails")
		}
		return nil, nil
	}, WithRetry(RetryCount(2)), WithPriority(3))

	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)
	_, err = waitResult(t, f)
	require.NoError(t, err)

	var types []string
	var last TaskEvent
	timeout := time.After(2 * time.Second)
	for len(types) < 4 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			last = ev.Data.(TaskEvent)
		case <-timeout:
			t.Fatalf("events = %v, want 4", types)
		}
	}
	assert.Equal(t, []string{EventQueued, EventStarted, EventRetry, EventFinished}, types)
	assert.Equal(t, StatusSucceeded, last.Status)
	assert.Equal(t, 2, last.Attempts)
	assert.Equal(t, 3, last.Priority)
	assert.Equal(t, "evented", last.Key)
}

func TestFutureResultBeforeSettle(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	def := MustDefine("idle", func(ctx context.Context, params any) (any, error) { return nil, nil })
	f, err := s.Submit(context.Background(), def, nil, Overrides{})
	require.NoError(t, err)

	_, err = f.Result()
	require.ErrorIs(t, err, ErrNotSettled)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
