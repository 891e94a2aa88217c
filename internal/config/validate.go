package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "agentsched/pkg/logx"
)

// Normalize trims names and fills defaults that do not depend on other packages.
func (c *Config) Normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage != nil {
		c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	}
	if len(c.Queues) > 0 {
		q := make(map[string]int, len(c.Queues))
		for name, n := range c.Queues {
			q[strings.TrimSpace(name)] = n
		}
		c.Queues = q
	}
	for i := range c.Jobs {
		j := &c.Jobs[i]
		j.Name = strings.TrimSpace(j.Name)
		j.Kind = strings.ToLower(strings.TrimSpace(j.Kind))
		j.Queue = strings.TrimSpace(j.Queue)
		j.Schedule = strings.TrimSpace(j.Schedule)
	}
}

// Validate reports every structural problem it finds.
// Schedule syntax and handler kinds are checked by their owners.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !logx.ValidLevel(c.Logging.Level) {
		add("logging.level: unknown level %q", c.Logging.Level)
	}

	s := c.Scheduler
	if s.MainConcurrency < 0 {
		add("scheduler.main_concurrency: must be >= 0")
	}
	if s.HistorySize < 0 {
		add("scheduler.history_size: must be >= 0")
	}
	if s.BacklogWarn < 0 {
		add("scheduler.backlog_warn: must be >= 0")
	}
	for path, raw := range map[string]string{
		"scheduler.backoff_step":    s.BackoffStep,
		"scheduler.default_timeout": s.DefaultTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %w", err)
		}
	}

	for name, n := range c.Queues {
		if name == "" {
			add("queues: empty queue name")
			continue
		}
		if n < 1 {
			add("queues.%s: concurrency must be >= 1, got %d", name, n)
		}
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path: required for driver %q", st.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if d := c.Debug; d.Enabled {
		if addr := strings.TrimSpace(d.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add("debug.addr: %w", err)
			}
		}
		for path, raw := range map[string]string{
			"debug.read_timeout":  d.ReadTimeout,
			"debug.write_timeout": d.WriteTimeout,
			"debug.idle_timeout":  d.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 {
			add("debug: profile rates must be >= 0")
		}
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		path := fmt.Sprintf("jobs[%d]", i)
		if name == "" {
			add("%s.name: required", path)
		} else {
			path = "jobs." + name
			if seen[name] {
				add("%s: duplicate job name", path)
			}
			seen[name] = true
		}
		if strings.TrimSpace(j.Schedule) == "" {
			add("%s.schedule: required", path)
		}
		if strings.TrimSpace(j.Kind) == "" {
			add("%s.kind: required", path)
		}
		if j.Concurrency < 0 {
			add("%s.concurrency: must be >= 0", path)
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
