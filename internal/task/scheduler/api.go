package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// AddSchedule accepts anything ParseSchedule does: a cron expression, a Go
// duration or an HH:MM interval.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job JobFunc) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, job)
	}
	return s.AddCron(name, ps.Cron, timeout, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job JobFunc) error {
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be > 0", name)
	}
	return s.AddCron(name, "@every "+every.String(), timeout, job)
}

// AddDaily fires at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job JobFunc) error {
	return s.AddDailyOpt(name, atHHMM, timeout, TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

func (s *Service) AddDailyOpt(name, atHHMM string, timeout time.Duration, opt TaskOptions, job JobFunc) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return s.AddCronOpt(name, fmt.Sprintf("%d %d * * *", m, h), timeout, opt, job)
}

// AddCron registers job under name, replacing any schedule with that name.
// Triggers skip while a previous run of the same name is queued or running.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job JobFunc) error {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job JobFunc) error {
	name, spec = strings.TrimSpace(name), strings.TrimSpace(spec)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return fmt.Errorf("schedule %s: job required", name)
	}
	if !strings.HasPrefix(spec, "@every") {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	}
	return nil
}

// AddOnce fires job a single time at at. Past times fire immediately. The
// definition survives Stop and is re-armed by Start until it has fired.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil || at.IsZero() {
		return fmt.Errorf("schedule %s: job and time required", name)
	}

	s.mu.Lock()
	s.removeLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	prev := s.once[name]
	s.once[name] = onceDef{at: at, timeout: timeout, job: job, ver: prev.ver + 1}
	if running {
		s.armLocked(name)
	}
	return nil
}

// Remove drops every schedule and one-time timer called name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeLocked needs s.mu held.
func (s *Service) removeLocked(name string) bool {
	n := len(s.defs)
	s.defs = slices.DeleteFunc(s.defs, func(d scheduleDef) bool {
		if d.name != name {
			return false
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		return true
	})
	removed := len(s.defs) < n

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	if _, ok := s.once[name]; ok {
		delete(s.once, name)
		removed = true
	}
	s.tmu.Unlock()
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() { s.trigger(def.name, def.timeout, def.opt, def.job) })

	// Intervals get a random first delay so restarts do not fire everything at once.
	if rest, ok := strings.CutPrefix(d.spec, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || every <= 0 {
			return fmt.Errorf("invalid interval %q", d.spec)
		}
		d.entryID = s.c.Schedule(spreadSchedule(every, time.Now().In(s.loc), d.name), job)
		return nil
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// armOnceTimers needs s.mu held.
func (s *Service) armOnceTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name := range s.once {
		s.armLocked(name)
	}
}

// armLocked needs s.tmu held.
func (s *Service) armLocked(name string) {
	def := s.once[name]
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	s.timers[name] = time.AfterFunc(max(time.Until(def.at), 0), func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != def.ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		delete(s.timers, name)
		s.tmu.Unlock()
		if s.trigger(name, def.timeout, TaskOptions{Overlap: engine.OverlapAllow}, def.job) {
			return
		}
		// Fired while stopped: keep it for the next Start.
		s.tmu.Lock()
		if _, taken := s.once[name]; !taken {
			s.once[name] = def
		}
		s.tmu.Unlock()
	})
}

// trigger enqueues one run stamped with the current generation. It reports
// false when the scheduler is stopped; the running check and the generation
// are read together so a run queued before Stop is discarded and nothing is
// queued after it.
func (s *Service) trigger(name string, timeout time.Duration, opt TaskOptions, job JobFunc) bool {
	if s.engine == nil {
		return false
	}
	s.mu.Lock()
	stopped := s.c == nil
	gen := s.gen.Load()
	s.mu.Unlock()
	if stopped {
		s.log.Debug("trigger while stopped ignored", logx.String("schedule", name))
		return false
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Timeout: timeout,
		Opt:     opt,
		Run: func(ctx context.Context) error {
			if cur := s.gen.Load(); cur != gen {
				s.log.Debug("stale trigger discarded", logx.String("schedule", name), logx.Uint64("gen", gen), logx.Uint64("current", cur))
				return nil
			}
			return job(ctx)
		},
	})
	if err != nil {
		s.reportEnqueueError(name, err)
	}
	return true
}

func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone, Generation: s.gen.Load()}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for name, d := range s.once {
		snap.Once = append(snap.Once, OnceInfo{Name: name, At: d.at})
	}
	s.tmu.Unlock()
	slices.SortFunc(snap.Once, func(a, b OnceInfo) int { return a.At.Compare(b.At) })
	return snap
}

func parseHHMM(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
