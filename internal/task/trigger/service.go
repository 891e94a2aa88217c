package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"agentsched/internal/eventbus"
	"agentsched/internal/task/engine"
	logx "agentsched/pkg/logx"
)

// Event types published on the bus.
const (
	EventFired   = "trigger.fired"
	EventSkipped = "trigger.skipped"
	EventFailed  = "trigger.failed"
)

// ErrStillRunning is returned by Fire when a SkipIfRunning job's previous
// instance has not settled yet.
var ErrStillRunning = errors.New("previous run still in flight")

// Submitter accepts task instances. *engine.Scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, def *engine.Definition, params any, ov engine.Overrides) (*engine.Future, error)
}

// Config controls the trigger service.
type Config struct {
	// Timezone is an IANA name used for cron expressions. Empty means Local.
	Timezone string
	// MaxStartupSpread bounds the random delay added to the first firing of
	// interval schedules. 0 disables it.
	MaxStartupSpread time.Duration
}

// Job binds a schedule to a definition.
type Job struct {
	Name       string
	Schedule   string
	Definition *engine.Definition
	Params     any
	Overrides  engine.Overrides
	// SkipIfRunning drops a firing while the previous instance is unsettled.
	SkipIfRunning bool
}

// Event is the payload of trigger events.
type Event struct {
	Job        string `json:"job"`
	InstanceID string `json:"instance_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ScheduleInfo describes one registered job.
type ScheduleInfo struct {
	Name    string
	Spec    string
	Kind    SpecKind
	Next    time.Time
	Prev    time.Time
	Fired   uint64
	Skipped uint64
	Failed  uint64
}

type entry struct {
	job    Job
	spec   ParsedSpec
	sched  cron.Schedule
	id     cron.EntryID
	spread time.Duration

	mu   sync.Mutex
	last *engine.Future

	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

// inherit carries the in-flight run and counters of a replaced entry so
// SkipIfRunning and Snapshot survive a reload.
func (e *entry) inherit(old *entry) {
	old.mu.Lock()
	e.last = old.last
	old.mu.Unlock()
	e.fired.Store(old.fired.Load())
	e.skipped.Store(old.skipped.Load())
	e.failed.Store(old.failed.Load())
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sub     Submitter
	parser  cron.Parser
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	running bool
	jobs    map[string]*entry

	warn submitWarnings
}

func New(cfg Config, sub Submitter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		sub: sub,
		// SecondOptional accepts both 5-field and 6-field (with seconds) expressions.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:    context.Background(),
		jobs:   map[string]*entry{},
	}
}

// Start begins firing registered jobs. Submissions use ctx as their parent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx = ctx
	s.startLocked()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.jobs {
		s.registerLocked(e)
	}
	s.c.Start()
}

// Stop stops firing. Instances already submitted are left to the engine.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

// SetTimezone changes the cron location, re-registering every job if running.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	if strings.TrimSpace(tz) == strings.TrimSpace(s.cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	s.cfg.Timezone = tz
	old := s.c
	s.c = nil
	s.mu.Unlock()
	if old == nil {
		return
	}

	// Running jobs take s.mu; wait for them without holding it.
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.running {
		return
	}
	s.startLocked()
	s.log.Info("trigger service restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) prepare(j Job) (*entry, error) {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return nil, errors.New("job name required")
	}
	if j.Definition == nil {
		return nil, fmt.Errorf("job %s: definition required", j.Name)
	}
	ps, err := ParseSchedule(j.Schedule)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.Name, err)
	}
	e := &entry{job: j, spec: ps}
	if ps.Kind == SpecCron {
		if e.sched, err = s.parser.Parse(ps.Cron); err != nil {
			return nil, fmt.Errorf("job %s: invalid cron %q: %w", j.Name, ps.Cron, err)
		}
	}
	return e, nil
}

// Validate reports whether j could be registered.
func (s *Service) Validate(j Job) error {
	_, err := s.prepare(j)
	return err
}

// Add registers j, replacing any job with the same name.
func (s *Service) Add(j Job) error {
	e, err := s.prepare(j)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[e.job.Name]; ok {
		e.inherit(old)
	}
	s.removeLocked(e.job.Name)
	s.jobs[e.job.Name] = e
	if s.c != nil {
		s.registerLocked(e)
	}
	return nil
}

// Apply replaces the whole job set. Nothing changes if any job is invalid.
func (s *Service) Apply(jobs []Job) error {
	next := make(map[string]*entry, len(jobs))
	var errs []error
	for _, j := range jobs {
		e, err := s.prepare(j)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := next[e.job.Name]; dup {
			errs = append(errs, fmt.Errorf("job %s: duplicate name", e.job.Name))
			continue
		}
		next[e.job.Name] = e
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, old := range s.jobs {
		if e, ok := next[name]; ok {
			e.inherit(old)
		}
		s.removeLocked(name)
	}
	s.jobs = next
	if s.c != nil {
		for _, e := range next {
			s.registerLocked(e)
		}
	}
	s.log.Info("trigger jobs applied", logx.Int("jobs", len(next)))
	return nil
}

// Remove unregisters the named job and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
	}
	e.id = 0
	delete(s.jobs, name)
	return true
}

func (s *Service) registerLocked(e *entry) {
	sched := e.sched
	if e.spec.Kind == SpecInterval {
		sched, e.spread = newIntervalSchedule(e.spec.Every, time.Now().In(s.loc), s.cfg.MaxStartupSpread, e.job.Name)
	}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { _, _ = s.fire(e) }))

	fields := []logx.Field{
		logx.String("job", e.job.Name),
		logx.String("schedule", e.spec.String()),
		logx.String("task", e.job.Definition.Key()),
	}
	if e.spread > 0 {
		fields = append(fields, logx.Duration("startup_spread", e.spread))
	}
	if s.log.Enabled(logx.LevelDebug) {
		if next := previewNextRuns(sched, time.Now().In(s.loc), 3); next != "" {
			fields = append(fields, logx.String("next", next))
		}
	}
	s.log.Debug("job registered", fields...)
}

// Fire submits the named job now, outside its schedule.
func (s *Service) Fire(name string) (*engine.Future, error) {
	s.mu.Lock()
	e, ok := s.jobs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	return s.fire(e)
}

func (s *Service) fire(e *entry) (*engine.Future, error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.SkipIfRunning && e.last != nil {
		select {
		case <-e.last.Done():
		default:
			e.skipped.Add(1)
			s.log.Debug("job skipped; previous run in flight", logx.String("job", e.job.Name), logx.String("instance_id", e.last.ID()))
			s.publish(EventSkipped, Event{Job: e.job.Name, InstanceID: e.last.ID()})
			return nil, ErrStillRunning
		}
	}

	fut, err := s.sub.Submit(ctx, e.job.Definition, e.job.Params, e.job.Overrides)
	if err != nil {
		e.failed.Add(1)
		s.warn.report(s.log, e.job.Name, err)
		s.publish(EventFailed, Event{Job: e.job.Name, Error: err.Error()})
		return nil, err
	}
	e.last = fut
	e.fired.Add(1)
	s.publish(EventFired, Event{Job: e.job.Name, InstanceID: fut.ID()})
	return fut, nil
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Snapshot lists registered jobs sorted by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		it := ScheduleInfo{
			Name:    e.job.Name,
			Spec:    e.spec.String(),
			Kind:    e.spec.Kind,
			Fired:   e.fired.Load(),
			Skipped: e.skipped.Load(),
			Failed:  e.failed.Load(),
		}
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func previewNextRuns(sched cron.Schedule, t time.Time, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
