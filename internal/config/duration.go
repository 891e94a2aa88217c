package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations returns the parsed scheduler durations. Zero means "use the engine default".
func (s SchedulerConfig) Durations() (backoffStep, defaultTimeout time.Duration, err error) {
	if backoffStep, err = ParseDurationField("scheduler.backoff_step", s.BackoffStep); err != nil {
		return 0, 0, err
	}
	if defaultTimeout, err = ParseDurationField("scheduler.default_timeout", s.DefaultTimeout); err != nil {
		return 0, 0, err
	}
	return backoffStep, defaultTimeout, nil
}

// TimeoutDuration returns the job timeout. An empty field yields 0; callers
// decide whether that inherits the engine default.
func (j JobConfig) TimeoutDuration() (time.Duration, error) {
	return ParseDurationField("jobs."+j.Name+".timeout", j.Timeout)
}
