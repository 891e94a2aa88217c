package config

import (
	"reflect"
	"sort"
	"strings"

	logx "agentsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the names of jobs that were
// added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Int("scheduler.main_concurrency", s.MainConcurrency),
			logx.String("scheduler.backoff_step", strings.TrimSpace(s.BackoffStep)),
			logx.String("scheduler.default_timeout", strings.TrimSpace(s.DefaultTimeout)),
			logx.Int("scheduler.history_size", s.HistorySize),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
		)
	}

	if !queuesEqual(oldCfg.Queues, newCfg.Queues) {
		changed = append(changed, "queues")
		attrs = append(attrs, logx.Int("queues.count", len(newCfg.Queues)))
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.enabled_count", countEnabled(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func queuesEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func countEnabled(jobs []JobConfig) int {
	n := 0
	for _, j := range jobs {
		if j.IsEnabled() {
			n++
		}
	}
	return n
}

func jobsByName(jobs []JobConfig) map[string]JobConfig {
	m := make(map[string]JobConfig, len(jobs))
	for _, j := range jobs {
		m[strings.TrimSpace(j.Name)] = j
	}
	return m
}

func sameJob(a, b JobConfig) bool {
	if a.IsEnabled() != b.IsEnabled() {
		return false
	}
	if canonicalHashJSON(a.Params) != canonicalHashJSON(b.Params) {
		return false
	}
	a.Enabled, b.Enabled = nil, nil
	a.Params, b.Params = nil, nil
	return reflect.DeepEqual(a, b)
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	oldM := jobsByName(oldJobs)
	newM := jobsByName(newJobs)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !sameJob(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
