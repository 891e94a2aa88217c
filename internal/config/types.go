package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the execution engine shared by every queue.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Queues maps a queue name to its concurrency limit.
	// "main" may be omitted; it is created lazily with scheduler.main_concurrency.
	Queues map[string]int `json:"queues,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Jobs    []JobConfig    `json:"jobs,omitempty"`

	Debug DebugConfig `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the task engine.
//
// All durations are Go duration strings (e.g. "250ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - main_concurrency: 2
//   - backoff_step: "250ms"
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - backlog_warn: 1000
//
// Only queues, logging and jobs are applied on reload; the fields here take
// effect at the next start.
type SchedulerConfig struct {
	MainConcurrency int    `json:"main_concurrency,omitempty"`
	BackoffStep     string `json:"backoff_step,omitempty"`
	DefaultTimeout  string `json:"default_timeout,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	BacklogWarn     int    `json:"backlog_warn,omitempty"`

	// Trigger timezone (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/runs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional diagnostics HTTP server (pprof plus
// JSON views of queues, jobs and recent runs).
//
// A non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"` // default: 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// JobConfig is one scheduled job: a handler kind fired on a schedule.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Kind     string `json:"kind"`

	// Enabled is a pointer so an omitted field means enabled.
	Enabled *bool `json:"enabled,omitempty"`

	Queue       string    `json:"queue,omitempty"`
	Priority    int       `json:"priority,omitempty"`
	Retry       RetrySpec `json:"retry,omitempty"`
	Timeout     string    `json:"timeout,omitempty"`
	Concurrency int       `json:"concurrency,omitempty"`

	// SkipIfRunning drops a firing while the previous run is unsettled.
	SkipIfRunning bool `json:"skip_if_running,omitempty"`

	// Params are passed to the handler kind as-is.
	Params json.RawMessage `json:"params,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// UnmarshalJSON disallows unknown fields so misspelled job keys are caught
// during reload instead of silently ignored.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type plain JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*j = JobConfig(p)
	return nil
}

// Retry modes.
const (
	RetryNever  = "never"
	RetryAlways = "always"
	RetryCount  = "count"
)

// RetrySpec is the config form of a retry policy. It accepts:
//
//	retry: false      # never (default)
//	retry: true       # always
//	retry: 3          # at most 3 attempts
//	retry: "always"
type RetrySpec struct {
	Mode string
	Max  int
}

func (r RetrySpec) IsZero() bool { return r.Mode == "" || r.Mode == RetryNever }

func (r RetrySpec) String() string {
	if r.Mode == RetryCount {
		return strconv.Itoa(r.Max)
	}
	if r.Mode == "" {
		return RetryNever
	}
	return r.Mode
}

func (r RetrySpec) MarshalJSON() ([]byte, error) {
	switch r.Mode {
	case RetryCount:
		return json.Marshal(r.Max)
	case RetryAlways:
		return []byte("true"), nil
	default:
		return []byte("false"), nil
	}
}

func (r *RetrySpec) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*r = RetrySpec{}
	case bool:
		if x {
			*r = RetrySpec{Mode: RetryAlways}
		} else {
			*r = RetrySpec{Mode: RetryNever}
		}
	case float64:
		return r.setCount(x)
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		switch s {
		case "", RetryNever, "false", "no":
			*r = RetrySpec{Mode: RetryNever}
		case RetryAlways, "true", "yes":
			*r = RetrySpec{Mode: RetryAlways}
		default:
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("retry: want bool, count or %q, got %q", RetryAlways, x)
			}
			return r.setCount(n)
		}
	default:
		return fmt.Errorf("retry: unsupported value %s", string(b))
	}
	return nil
}

func (r *RetrySpec) setCount(n float64) error {
	if n != float64(int(n)) || n < 0 {
		return fmt.Errorf("retry: count must be a non-negative integer, got %v", n)
	}
	if n <= 1 {
		*r = RetrySpec{Mode: RetryNever}
		return nil
	}
	*r = RetrySpec{Mode: RetryCount, Max: int(n)}
	return nil
}
