package app

import (
	"fmt"
	"strings"
	"time"

	"agentsched/internal/config"
	"agentsched/internal/handlers"
	"agentsched/internal/observability/diag"
	"agentsched/internal/storage"
	"agentsched/internal/task/engine"
	"agentsched/internal/task/trigger"
	logx "agentsched/pkg/logx"
)

const defaultStartupSpread = 30 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	backoff, timeout, err := cfg.Scheduler.Durations()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		MainConcurrency: cfg.Scheduler.MainConcurrency,
		BackoffStep:     backoff,
		DefaultTimeout:  timeout,
		HistorySize:     cfg.Scheduler.HistorySize,
		BacklogWarn:     cfg.Scheduler.BacklogWarn,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{
		Timezone:         cfg.Scheduler.Timezone,
		MaxStartupSpread: defaultStartupSpread,
	}
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Debug
	out := diag.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second); err != nil {
		return diag.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second); err != nil {
		return diag.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 2*time.Minute); err != nil {
		return diag.Config{}, err
	}
	return out, nil
}

func mapRetry(r config.RetrySpec) engine.RetryPolicy {
	switch r.Mode {
	case config.RetryAlways:
		return engine.RetryAlways()
	case config.RetryCount:
		return engine.RetryCount(r.Max)
	default:
		return engine.RetryNever()
	}
}

// buildJobs turns the enabled jobs of cfg into trigger jobs. Every job is
// checked; the returned error joins all problems.
func buildJobs(cfg *config.Config, kinds *handlers.Registry) ([]trigger.Job, error) {
	var (
		out  []trigger.Job
		errs []string
	)
	for _, jc := range cfg.Jobs {
		if !jc.IsEnabled() {
			continue
		}
		j, err := buildJob(cfg, jc, kinds)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		out = append(out, j)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("jobs: %s", strings.Join(errs, "; "))
	}
	return out, nil
}

func buildJob(cfg *config.Config, jc config.JobConfig, kinds *handlers.Registry) (trigger.Job, error) {
	k, ok := kinds.Lookup(jc.Kind)
	if !ok {
		return trigger.Job{}, fmt.Errorf("job %s: unknown kind %q", jc.Name, jc.Kind)
	}
	params, err := kinds.Params(jc.Kind, jc.Params)
	if err != nil {
		return trigger.Job{}, fmt.Errorf("job %s: %w", jc.Name, err)
	}
	timeout, err := jc.TimeoutDuration()
	if err != nil {
		return trigger.Job{}, err
	}
	if q := jc.Queue; q != "" && q != engine.MainQueue {
		if _, ok := cfg.Queues[q]; !ok {
			return trigger.Job{}, fmt.Errorf("job %s: queue %q is not configured", jc.Name, q)
		}
	}

	opts := []engine.DefineOption{
		engine.WithQueue(jc.Queue),
		engine.WithPriority(jc.Priority),
		engine.WithRetry(mapRetry(jc.Retry)),
		engine.WithConcurrency(jc.Concurrency),
	}
	// An omitted timeout inherits engine.default_timeout; "0s" disables it.
	if strings.TrimSpace(jc.Timeout) != "" {
		opts = append(opts, engine.WithTimeout(timeout))
	}
	def, err := engine.Define(jc.Name, k.Handler, opts...)
	if err != nil {
		return trigger.Job{}, err
	}
	return trigger.Job{
		Name:          jc.Name,
		Schedule:      jc.Schedule,
		Definition:    def,
		Params:        params,
		SkipIfRunning: jc.SkipIfRunning,
	}, nil
}
