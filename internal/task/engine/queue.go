package engine

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// instance is the runtime envelope of one submission.
type instance struct {
	id     string
	def    *Definition
	params any
	opts   Options
	seq    uint64

	// q is the owning queue; index is the position in q.pending, -1 once
	// popped. index is guarded by q.mu.
	q     *queue
	index int

	enqueuedAt time.Time
	startedAt  atomic.Int64 // unix nanos; 0 until dispatched
	attempts   atomic.Int32

	ctx     context.Context
	cancel  context.CancelCauseFunc
	fut     *Future
	cleanup []func() bool
	release sync.Once
}

// done releases the timeout timer and context links. Safe to call more than once.
func (in *instance) done() {
	in.release.Do(func() {
		for _, stop := range in.cleanup {
			stop()
		}
		in.cancel(nil)
	})
}

func (in *instance) started() time.Time {
	n := in.startedAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// pendingHeap orders instances by priority (desc), then submission sequence (asc).
type pendingHeap []*instance

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].opts.Priority != h[j].opts.Priority {
		return h[i].opts.Priority > h[j].opts.Priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	in := x.(*instance)
	in.index = len(*h)
	*h = append(*h, in)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue is a named lane with its own concurrency limit.
// All fields below mu are guarded by it.
type queue struct {
	name string

	mu          sync.Mutex
	limit       int
	pending     pendingHeap
	running     map[string]*instance
	dispatching bool
	peak        int
	submitted   uint64
	completed   uint64
}

func newQueue(name string, limit int) *queue {
	if limit < 1 {
		limit = 1
	}
	return &queue{name: name, limit: limit, running: make(map[string]*instance)}
}

// pushLocked requires q.mu.
func (q *queue) pushLocked(in *instance) {
	heap.Push(&q.pending, in)
	q.submitted++
}

// remove takes in out of pending if it is still there and reports whether it did.
func (q *queue) remove(in *instance) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if in.index < 0 || in.index >= q.pending.Len() || q.pending[in.index] != in {
		return false
	}
	heap.Remove(&q.pending, in.index)
	return true
}

// nextLocked pops the next dispatchable instance and marks it running.
// Instances cancelled while pending are returned in dropped; they never take capacity.
// Requires q.mu.
func (q *queue) nextLocked() (next *instance, dropped []*instance) {
	for q.pending.Len() > 0 && len(q.running) < q.limit {
		in := heap.Pop(&q.pending).(*instance)
		if in.ctx.Err() != nil {
			dropped = append(dropped, in)
			continue
		}
		q.running[in.id] = in
		if n := len(q.running); n > q.peak {
			q.peak = n
		}
		return in, dropped
	}
	return nil, dropped
}

// drainLocked empties pending. Requires q.mu.
func (q *queue) drainLocked() []*instance {
	out := make([]*instance, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		out = append(out, heap.Pop(&q.pending).(*instance))
	}
	return out
}

func (q *queue) snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{
		Name:      q.name,
		Limit:     q.limit,
		Pending:   q.pending.Len(),
		Running:   len(q.running),
		Peak:      q.peak,
		Submitted: q.submitted,
		Completed: q.completed,
	}
}
