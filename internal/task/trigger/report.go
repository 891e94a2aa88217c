package trigger

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agentsched/internal/task/engine"
	logx "agentsched/pkg/logx"
)

const submitWarnEvery = 5 * time.Second

// submitWarnings throttles submit failure warnings per job. A misconfigured
// job on a short interval would otherwise flood the log.
type submitWarnings struct {
	mu  sync.Mutex
	per map[string]*rate.Sometimes
}

func (w *submitWarnings) report(log logx.Logger, job string, err error) {
	if err == nil {
		return
	}
	// A stopping engine rejects everything; that is expected during shutdown.
	if errors.Is(err, engine.ErrStopped) {
		log.Debug("job not submitted; engine stopped", logx.String("job", job))
		return
	}

	w.mu.Lock()
	if w.per == nil {
		w.per = make(map[string]*rate.Sometimes)
	}
	st := w.per[job]
	if st == nil {
		st = &rate.Sometimes{Interval: submitWarnEvery}
		w.per[job] = st
	}
	w.mu.Unlock()

	st.Do(func() {
		log.Warn("job failed to submit", logx.String("job", job), logx.Err(err))
	})
}
