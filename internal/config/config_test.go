package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: DEBUG
  console: true
scheduler:
  main_concurrency: 3
  backoff_step: 100ms
  default_timeout: 1m
  timezone: UTC
queues:
  io: 4
  " cpu ": 1
storage:
  driver: SQLite
  path: ./data/runs.db
  busy_timeout: 2s
jobs:
  - name: backup
    schedule: "@every 1h"
    kind: exec
    queue: io
    priority: 5
    retry: 3
    timeout: 30s
    params:
      cmd: /usr/bin/true
      args: ["-v"]
  - name: ping
    schedule: "*/5 * * * *"
    kind: http
    retry: true
    enabled: false
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("agentsched.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Console)
	assert.Equal(t, 3, cfg.Scheduler.MainConcurrency)
	assert.Equal(t, map[string]int{"io": 4, "cpu": 1}, cfg.Queues)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)

	backoff, timeout, err := cfg.Scheduler.Durations()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, backoff)
	assert.Equal(t, time.Minute, timeout)

	require.Len(t, cfg.Jobs, 2)
	backup := cfg.Jobs[0]
	assert.Equal(t, RetrySpec{Mode: RetryCount, Max: 3}, backup.Retry)
	assert.True(t, backup.IsEnabled())
	d, err := backup.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	var params struct {
		Cmd  string   `json:"cmd"`
		Args []string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(backup.Params, &params))
	assert.Equal(t, "/usr/bin/true", params.Cmd)
	assert.Equal(t, []string{"-v"}, params.Args)

	ping := cfg.Jobs[1]
	assert.Equal(t, RetryAlways, ping.Retry.Mode)
	assert.False(t, ping.IsEnabled())
}

func TestDecodeJSONDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("agentsched.json", []byte(`{"logging":{"console":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Nil(t, cfg.Storage)
	assert.Empty(t, cfg.Jobs)
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	for _, data := range []string{"", "# nothing yet\n", "---\n"} {
		cfg, err := Decode("empty.yml", []byte(data))
		require.NoError(t, err, "%q", data)
		assert.Equal(t, "info", cfg.Logging.Level)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{"unknown top-level field", "c.json", `{"notify":{}}`},
		{"unknown job field", "c.yaml", "jobs:\n  - name: a\n    schedule: '@hourly'\n    kind: sleep\n    cron: x\n"},
		{"trailing data", "c.json", `{} {}`},
		{"second yaml document", "c.yaml", "logging:\n  level: info\n---\nlogging:\n  level: debug\n"},
		{"malformed yaml", "c.yml", "logging: [\n"},
		{"bad level", "c.json", `{"logging":{"level":"loud"}}`},
		{"bad duration", "c.json", `{"scheduler":{"backoff_step":"soon"}}`},
		{"negative duration", "c.json", `{"scheduler":{"default_timeout":"-1s"}}`},
		{"zero queue limit", "c.json", `{"queues":{"io":0}}`},
		{"unknown driver", "c.json", `{"storage":{"driver":"redis","path":"x"}}`},
		{"storage without path", "c.json", `{"storage":{"driver":"file"}}`},
		{"duplicate job", "c.json", `{"jobs":[{"name":"a","schedule":"@hourly","kind":"sleep"},{"name":"a","schedule":"@hourly","kind":"sleep"}]}`},
		{"job without schedule", "c.json", `{"jobs":[{"name":"a","kind":"sleep"}]}`},
		{"job without kind", "c.json", `{"jobs":[{"name":"a","schedule":"@hourly"}]}`},
		{"fractional retry", "c.json", `{"jobs":[{"name":"a","schedule":"@hourly","kind":"sleep","retry":1.5}]}`},
		{"bad retry word", "c.json", `{"jobs":[{"name":"a","schedule":"@hourly","kind":"sleep","retry":"sometimes"}]}`},
		{"bad timezone", "c.json", `{"scheduler":{"timezone":"Mars/Olympus"}}`},
		{"bad debug addr", "c.json", `{"debug":{"enabled":true,"addr":"6060"}}`},
		{"bad debug timeout", "c.json", `{"debug":{"enabled":true,"read_timeout":"later"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.file, []byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestRetrySpecForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want RetrySpec
	}{
		{`false`, RetrySpec{Mode: RetryNever}},
		{`true`, RetrySpec{Mode: RetryAlways}},
		{`null`, RetrySpec{}},
		{`0`, RetrySpec{Mode: RetryNever}},
		{`1`, RetrySpec{Mode: RetryNever}},
		{`2`, RetrySpec{Mode: RetryCount, Max: 2}},
		{`"5"`, RetrySpec{Mode: RetryCount, Max: 5}},
		{`"Always"`, RetrySpec{Mode: RetryAlways}},
		{`"never"`, RetrySpec{Mode: RetryNever}},
	}
	for _, tt := range tests {
		var got RetrySpec
		require.NoError(t, json.Unmarshal([]byte(tt.in), &got), tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	b, err := json.Marshal(RetrySpec{Mode: RetryCount, Max: 4})
	require.NoError(t, err)
	assert.Equal(t, "4", string(b))
	assert.Equal(t, "4", RetrySpec{Mode: RetryCount, Max: 4}.String())
	assert.Equal(t, "never", RetrySpec{}.String())
	assert.True(t, RetrySpec{}.IsZero())
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, jobs)

	newCfg.Queues["io"] = 8
	newCfg.Logging.Level = "warn"
	newCfg.Jobs[0].Params = json.RawMessage(`{"args":["-v"],"cmd":"/usr/bin/true"}`)
	newCfg.Jobs[1].Priority = 9
	newCfg.Jobs = append(newCfg.Jobs, JobConfig{Name: "nightly", Schedule: "@daily", Kind: "sleep"})
	newCfg.Debug.Enabled = true

	changed, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"debug", "jobs", "logging", "queues"}, changed)
	assert.NotEmpty(t, attrs)
	// Reordered params keys are not a change.
	assert.Equal(t, []string{"nightly", "ping"}, jobs)

	changed, _, _ = SummarizeConfigChange(nil, &Config{Storage: &StorageConfig{Driver: "file", Path: "x"}})
	assert.Contains(t, changed, "storage")
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

func TestManagerLoadAndGet(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agentsched.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	assert.Nil(t, m.Get())
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	_, err = NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agentsched.yaml")
	writeFile(t, path, "queues:\n  io: 1\n")

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	rejected := make(chan struct{}, 4)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Queues["io"] == 99 {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return assert.AnError
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, "queues:\n  io: 99\n")
	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatal("validator was not called")
	}

	writeFile(t, path, "queues:\n  io: 3\n")
	select {
	case cfg := <-sub:
		assert.Equal(t, 3, cfg.Queues["io"])
		assert.Equal(t, 3, m.Get().Queues["io"])
	case <-time.After(3 * time.Second):
		t.Fatal("config was not published")
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
	m.publish(a)
}
