package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "agentsched/pkg/logx"
)

// execute runs the attempt loop of one dispatched instance and settles its future.
//
// State machine: Attempting -> Succeeded | Retrying -> Attempting | Failed | Cancelled.
func (s *Scheduler) execute(in *instance) {
	start := in.started()
	queueDelay := start.Sub(in.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	key := in.def.key

	s.log.Debug("task.started", logx.String("task", key), logx.String("id", in.id), logx.String("queue", in.opts.Queue), logx.Duration("queue_delay", queueDelay))
	s.publish(EventStarted, in, "", "")

	hctx := context.WithValue(in.ctx, instanceIDKey, in.id)

	var (
		val any
		err error
	)
	for {
		if in.ctx.Err() != nil {
			return
		}
		// attempts counts handler invocations only; it is bumped right before one.
		attempt := int(in.attempts.Load()) + 1
		if attempt > 1 {
			delay := s.backoff(attempt)
			s.log.Debug("task retry scheduled", logx.String("task", key), logx.String("id", in.id), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
			s.publish(EventRetry, in, "", errString(err))
			if !sleepCtx(in.ctx, delay) {
				return
			}
		}

		in.attempts.Store(int32(attempt))
		val, err = s.invoke(context.WithValue(hctx, attemptKey, attempt), in)
		if err == nil {
			break
		}
		// A cancelled instance already settled through its watcher; stop retrying.
		if in.ctx.Err() != nil {
			return
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if !in.opts.Retry.shouldRetry(attempt, err) {
			break
		}
	}

	s.settle(in, val, err)
}

// invoke calls the handler once. Panics are converted to errors so one bad
// handler can't take down the scheduler.
func (s *Scheduler) invoke(ctx context.Context, in *instance) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", in.def.key), logx.String("id", in.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return in.def.handler(ctx, in.params)
}

// backoff is linear: attempt n waits n*BackoffStep.
func (s *Scheduler) backoff(attempt int) time.Duration {
	return time.Duration(attempt) * s.cfg.BackoffStep
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}

// settle delivers the outcome (first caller wins) and records it.
func (s *Scheduler) settle(in *instance, val any, err error) {
	if !in.fut.settle(val, err) {
		return
	}

	now := time.Now()
	started := in.started()
	attempts := int(in.attempts.Load())
	status := StatusSucceeded
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		status = StatusCancelled
	default:
		status = StatusFailed
	}

	var dur, queueDelay time.Duration
	if !started.IsZero() {
		dur = now.Sub(started)
		queueDelay = started.Sub(in.enqueuedAt)
	} else {
		queueDelay = now.Sub(in.enqueuedAt)
	}

	fields := []logx.Field{
		logx.String("task", in.def.key),
		logx.String("id", in.id),
		logx.String("queue", in.opts.Queue),
		logx.Duration("queue_delay", queueDelay),
		logx.Duration("dur", dur),
		logx.Int("attempts", attempts),
	}
	switch status {
	case StatusSucceeded:
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", fields...)
		} else {
			s.log.Debug("task.completed", fields...)
		}
		s.publish(EventFinished, in, status, "")
	case StatusFailed:
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
		s.publish(EventFailed, in, status, err.Error())
	case StatusCancelled:
		s.log.Debug("task.cancelled", append(fields, logx.Err(err))...)
		s.publish(EventCancelled, in, status, err.Error())
	}

	item := HistoryItem{
		ID:         in.id,
		Key:        in.def.key,
		Queue:      in.opts.Queue,
		Priority:   in.opts.Priority,
		Attempts:   attempts,
		Status:     status,
		QueuedAt:   in.enqueuedAt,
		Started:    started,
		QueueDelay: queueDelay,
		Duration:   dur,
		Error:      errString(err),
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
