package app

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"agentsched/internal/eventbus"
	"agentsched/internal/storage"
	"agentsched/internal/task/engine"
	logx "agentsched/pkg/logx"
)

// recordTimeout bounds one store write so a stuck disk can't back up the bus.
const recordTimeout = 2 * time.Second

// Recorder persists terminal task events as run records. Store failures are
// logged (throttled) and never affect the tasks themselves.
type Recorder struct {
	store storage.Store
	log   logx.Logger
	warn  rate.Sometimes

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log, warn: rate.Sometimes{Interval: 10 * time.Second}}
}

// Topics are the event types the recorder consumes.
func (r *Recorder) Topics() []string {
	return []string{engine.EventFinished, engine.EventFailed, engine.EventCancelled}
}

// Run consumes events until ctx is done or the channel closes. Events
// already buffered when ctx ends are still written.
func (r *Recorder) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					r.handle(ctx, ev)
				default:
					return nil
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	_ = r.Record(wctx, te)
}

// Record writes one event.
func (r *Recorder) Record(ctx context.Context, ev engine.TaskEvent) error {
	if r.store == nil {
		return storage.ErrDisabled
	}
	if err := r.store.AppendRun(ctx, runRecord(ev)); err != nil {
		r.failed.Add(1)
		r.warn.Do(func() {
			r.log.Warn("run record write failed",
				logx.String("id", ev.ID),
				logx.String("task", ev.Key),
				logx.Uint64("failed_total", r.failed.Load()),
				logx.Err(err),
			)
		})
		return err
	}
	r.written.Add(1)
	return nil
}

// Stats returns the number of records written and failed.
func (r *Recorder) Stats() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}

func runRecord(ev engine.TaskEvent) storage.RunRecord {
	finished := ev.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	return storage.RunRecord{
		ID:         ev.ID,
		Key:        ev.Key,
		Queue:      ev.Queue,
		Priority:   ev.Priority,
		Attempts:   ev.Attempts,
		Status:     string(ev.Status),
		Error:      ev.Error,
		QueuedAt:   ev.QueuedAt,
		StartedAt:  ev.StartedAt,
		FinishedAt: finished,
	}
}
