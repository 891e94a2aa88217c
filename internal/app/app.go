package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentsched/internal/config"
	"agentsched/internal/eventbus"
	"agentsched/internal/handlers"
	"agentsched/internal/observability/diag"
	"agentsched/internal/runtime/supervisor"
	"agentsched/internal/storage"
	"agentsched/internal/task/engine"
	"agentsched/internal/task/trigger"
	logx "agentsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Scheduler
	triggers *trigger.Service
	kinds    *handlers.Registry
	recorder *Recorder
	diag     *diag.Service

	// applyMu serializes config application; applied is the last config in effect.
	applyMu sync.Mutex
	applied *config.Config
}

type Option func(*App)

// WithKinds registers extra job kinds next to the built-in ones.
func WithKinds(kinds ...handlers.Kind) Option {
	return func(a *App) {
		for _, k := range kinds {
			a.kinds.Register(k)
		}
	}
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logs,
		bus:   eventbus.New(),
		kinds: handlers.Builtin(nil),
	}
	for _, o := range opts {
		o(a)
	}
	if err := a.build(cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.recorder = NewRecorder(st, log.With(logx.String("comp", "recorder")))
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "engine")), a.bus)
	if err := a.applyQueues(nil, cfg.Queues); err != nil {
		return err
	}

	a.triggers = trigger.New(mapTriggerConfig(cfg), a.engine, log.With(logx.String("comp", "trigger")), a.bus)
	jobs, err := buildJobs(cfg, a.kinds)
	if err != nil {
		return err
	}
	if err := a.triggers.Apply(jobs); err != nil {
		return err
	}
	diagCfg, err := mapDiagConfig(cfg)
	if err != nil {
		return err
	}
	a.diag = diag.New(diagCfg, diag.Sources{
		Queues: a.engine.Snapshot,
		Jobs:   a.triggers.Snapshot,
		Goroutines: func() []supervisor.Stats {
			if a.sup == nil {
				return nil
			}
			return a.sup.Snapshot()
		},
		Runs: a.Recent,
	}, log.With(logx.String("comp", "diag")))

	a.applied = cfg
	return nil
}

func (a *App) Engine() *engine.Scheduler { return a.engine }
func (a *App) Triggers() *trigger.Service { return a.triggers }
func (a *App) Kinds() *handlers.Registry { return a.kinds }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// Recent returns up to n persisted run records, newest first.
func (a *App) Recent(ctx context.Context, n int) ([]storage.RunRecord, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentRuns(ctx, n)
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	// Reloads are validated before they are committed or published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if a.recorder != nil {
		events, unsub := a.bus.Subscribe(256, a.recorder.Topics()...)
		a.sup.Go("runs.recorder", func(c context.Context) error {
			defer unsub()
			return a.recorder.Run(c, events)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Trace level; busy schedules emit several events per run.
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.engine.Start(a.sup.Context())
	a.triggers.Start(a.sup.Context())
	if cfg, err := mapDiagConfig(a.applied); err == nil {
		a.diag.Reconfigure(a.sup.Context(), cfg)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(newCfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("jobs", len(a.triggers.Snapshot())),
		logx.String("kinds", strings.Join(a.kinds.Names(), ",")),
	)
	return nil
}

// validate rejects a reloaded config that could not be applied.
func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	jobs, err := buildJobs(cfg, a.kinds)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.triggers.Validate(j); err != nil {
			return err
		}
	}
	return nil
}

// applyConfig hot-applies the reloadable sections: logging, queues, jobs
// and the trigger timezone.
func (a *App) applyConfig(newCfg *config.Config) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	sections, attrs, jobsChanged := config.SummarizeConfigChange(a.applied, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		a.applied = newCfg
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if changed("queues") {
		if err := a.applyQueues(a.applied.Queues, newCfg.Queues); err != nil {
			a.log.Warn("queue update failed", logx.Err(err))
		}
	}
	if changed("scheduler") {
		a.triggers.SetTimezone(newCfg.Scheduler.Timezone)
		old, cur := a.applied.Scheduler, newCfg.Scheduler
		old.Timezone, cur.Timezone = "", ""
		if old != cur {
			a.log.Warn("scheduler settings changed; restart required for them to take effect")
		}
	}
	if changed("debug") {
		if cfg, err := mapDiagConfig(newCfg); err != nil {
			a.log.Warn("debug server config not applied", logx.Err(err))
		} else {
			a.diag.Reconfigure(a.sup.Context(), cfg)
		}
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	// Jobs may name queues that just appeared, so they go after queues.
	if changed("jobs") || changed("queues") {
		jobs, err := buildJobs(newCfg, a.kinds)
		if err == nil {
			err = a.triggers.Apply(jobs)
		}
		if err != nil {
			a.log.Warn("jobs not applied; keeping previous", logx.Err(err))
		} else if len(jobsChanged) > 0 {
			a.log.Debug("jobs changed", logx.String("names", strings.Join(jobsChanged, ",")))
		}
	}

	a.applied = newCfg
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// applyQueues sets the limit of every configured queue. Queues dropped from
// the config keep running with their last limit.
func (a *App) applyQueues(old, cur map[string]int) error {
	names := make([]string, 0, len(cur))
	for name := range cur {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if prev, ok := old[name]; ok && prev == cur[name] {
			continue
		}
		if err := a.engine.SetQueue(name, cur[name]); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
		}
	}
	for name := range old {
		if _, ok := cur[name]; !ok {
			a.log.Warn("queue removed from config; keeping its current limit", logx.String("queue", name))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step runs one shutdown step bounded by max (never past ctx's deadline).
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first so nothing new is submitted, then the engine cancels
	// what is left and publishes the final events for the recorder.
	step("diag", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("engine", 5*time.Second, a.engine.Stop)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
