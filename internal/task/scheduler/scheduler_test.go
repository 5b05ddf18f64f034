package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 7 1 * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "2m", kind: SpecInterval, source: "duration", duration: 2 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "interval:", "cron:", "00:75"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 15, m)

	for _, bad := range []string{"24:00", "12:60", "1200", "ab:cd"} {
		_, _, err := parseHHMM(bad)
		assert.Error(t, err, bad)
	}
}

func TestSpreadScheduleDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sched := spreadSchedule(2*time.Minute, now, "reminders.dispatch")

	first := sched.Next(now)
	assert.False(t, first.Before(now.Add(2*time.Minute)))
	assert.True(t, first.Before(now.Add(2*time.Minute+maxStartupSpread)))
	second := sched.Next(first)
	assert.WithinDuration(t, first.Add(2*time.Minute), second, time.Second)
}

func newTestScheduler(t *testing.T, workers int) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Workers: workers}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Timezone: "UTC"}, eng, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, eng
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	ctx := context.Background()

	s.Stop(ctx)
	assert.Equal(t, uint64(0), s.Generation())

	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.Running())

	s.Stop(ctx)
	s.Stop(ctx)
	assert.False(t, s.Running())
	assert.Equal(t, uint64(1), s.Generation())
}

func TestStopDiscardsQueuedTriggers(t *testing.T) {
	s, eng := newTestScheduler(t, 1)
	ctx := context.Background()
	s.Start(ctx)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, eng.Enqueue(engine.Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	var ran atomic.Bool
	require.NoError(t, s.AddOnce("reminders.dispatch", time.Now(), time.Second, func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	require.Eventually(t, func() bool { return eng.Snapshot().QueueLen == 1 }, time.Second, 5*time.Millisecond)

	s.Stop(ctx)
	close(release)

	require.Eventually(t, func() bool { return eng.Snapshot().Completed == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, ran.Load())
}

func TestTriggerAfterStopNeverRuns(t *testing.T) {
	s, eng := newTestScheduler(t, 1)
	ctx := context.Background()
	s.Start(ctx)
	s.Stop(ctx)

	var ran atomic.Bool
	job := func(context.Context) error {
		ran.Store(true)
		return nil
	}
	assert.False(t, s.trigger("reminders.dispatch", time.Second, TaskOptions{}, job))

	// A once-timer firing during Stop keeps its definition for the next Start.
	s.tmu.Lock()
	s.once["catchup"] = onceDef{at: time.Now(), job: job, ver: 1}
	s.armLocked("catchup")
	s.tmu.Unlock()

	require.Eventually(t, func() bool {
		s.tmu.Lock()
		defer s.tmu.Unlock()
		_, armed := s.timers["catchup"]
		_, kept := s.once["catchup"]
		return !armed && kept
	}, time.Second, 5*time.Millisecond)
	assert.False(t, ran.Load())
	assert.Zero(t, eng.Snapshot().Completed)

	s.Start(ctx)
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
}

func TestStopLeavesRunningJobAlone(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	ctx := context.Background()
	s.Start(ctx)

	started := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	require.NoError(t, s.AddOnce("digest.daily", time.Now(), time.Second, func(jobCtx context.Context) error {
		close(started)
		<-release
		result <- jobCtx.Err()
		return nil
	}))
	<-started

	s.Stop(ctx)
	close(release)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("running job did not finish")
	}
}

func TestOnceDefinitionSurvivesStop(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	require.NoError(t, s.AddOnce("catchup", at, 0, func(context.Context) error { return nil }))
	s.Start(ctx)
	s.Stop(ctx)
	s.Start(ctx)

	snap := s.Snapshot()
	require.Len(t, snap.Once, 1)
	assert.Equal(t, "catchup", snap.Once[0].Name)
	assert.True(t, snap.Once[0].At.Equal(at))

	assert.True(t, s.Remove("catchup"))
	assert.Empty(t, s.Snapshot().Once)
	assert.False(t, s.Remove("catchup"))
}

func TestAddRegistersSchedules(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddDaily("digest.daily", "08:00", time.Minute, noop))
	require.NoError(t, s.AddCron("quota.reset_notice", "0 7 1 * *", time.Minute, noop))
	require.NoError(t, s.AddSchedule("reminders.dispatch", "2m", time.Minute, noop))
	require.NoError(t, s.AddSchedule("reminders.dispatch", "3m", time.Minute, noop))

	assert.Error(t, s.AddCron("bad", "61 * * * *", 0, noop))
	assert.Error(t, s.AddDaily("bad", "25:00", 0, noop))
	assert.Error(t, s.AddCron("", "@hourly", 0, noop))
	assert.Error(t, s.AddCron("nil", "@hourly", 0, nil))

	s.Start(context.Background())
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 3)
	assert.Equal(t, "UTC", snap.Timezone)

	byName := map[string]ScheduleInfo{}
	for _, info := range snap.Schedules {
		byName[info.Name] = info
	}
	assert.Equal(t, "0 8 * * *", byName["digest.daily"].Spec)
	assert.Equal(t, "@every 3m0s", byName["reminders.dispatch"].Spec)

	next := byName["digest.daily"].Next.UTC()
	assert.Equal(t, 8, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.Equal(t, 1, byName["quota.reset_notice"].Next.Day())
}
