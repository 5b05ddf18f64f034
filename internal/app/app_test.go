package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/config"
	"remindbot/internal/entitlement"
	"remindbot/internal/gateway"
	"remindbot/internal/jobs"
	"remindbot/internal/reminder"
)

const loopbackConfig = `{
  "timezone": "UTC",
  "logging": {"level": "error"},
  "gateway": {"mode": "loopback"},
  "storage": {"driver": "memory"},
  "plans": {"plus": {"deliver": true, "monthly_cap": 5}}
}`

func newLoopbackApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(loopbackConfig), 0o644))
	a, err := New(path)
	require.NoError(t, err)
	require.NotNil(t, a.loopback)
	return a
}

func scheduleNames(a *App) []string {
	var out []string
	for _, s := range a.sched.Snapshot().Schedules {
		out = append(out, s.Name)
	}
	return out
}

func TestAppFollowsGatewayState(t *testing.T) {
	a := newLoopbackApp(t)
	ctx := context.Background()

	require.NoError(t, a.store.PutUser(ctx, reminder.User{ID: "u1", Name: "Ana", Address: "(11) 98765-4321"}))
	require.NoError(t, a.store.PutSubscription(ctx, entitlement.Subscription{UserID: "u1", Plan: entitlement.PlanPremium, Status: "active"}))
	_, err := a.store.InsertReminder(ctx, reminder.Reminder{UserID: "u1", Title: "standup", TriggerAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopUnknown)
	})

	// Connecting starts the scheduler and queues a catch-up tick.
	require.Eventually(t, func() bool { return len(a.loopback.Sent()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "5511987654321@c.us", a.loopback.Sent()[0].To)
	assert.True(t, a.sched.Running())
	assert.ElementsMatch(t, []string{jobs.NameDispatch, jobs.NameDigest, jobs.NameRenewal, jobs.NameTips}, scheduleNames(a))

	a.loopback.SetState(gateway.StateReconnecting)
	require.Eventually(t, func() bool { return !a.sched.Running() }, 3*time.Second, 10*time.Millisecond)

	gen := a.sched.Generation()
	a.loopback.SetState(gateway.StateConnected)
	require.Eventually(t, a.sched.Running, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, gen, a.sched.Generation())
}

func TestStopEndsRunContext(t *testing.T) {
	a := newLoopbackApp(t)
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))

	select {
	case <-a.Done():
	default:
		t.Fatal("run context still open after Stop")
	}
	assert.False(t, a.sched.Running())
	assert.False(t, a.engine.Running())
}

func TestStopReleasesAppAfterFailedStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := `{"logging": {"level": "error"}, "gateway": {"mode": "loopback"},
	  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "remindbot.db")) + `"}}`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	a, err := New(path)
	require.NoError(t, err)

	// A closed database fails the startup ping.
	require.NoError(t, a.store.Close())
	require.Error(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopFatalError))
	select {
	case <-a.Done():
	default:
		t.Fatal("run context still open after Stop")
	}
	assert.False(t, a.sched.Running())
	assert.False(t, a.engine.Running())
}

func TestApplyUpdatesRunningComponents(t *testing.T) {
	a := newLoopbackApp(t)
	ctx := context.Background()

	cfg, err := config.Decode("c.json", []byte(`{
	  "timezone": "America/Sao_Paulo",
	  "gateway": {"mode": "loopback", "country_code": "351"},
	  "storage": {"driver": "memory"},
	  "dispatch": {"lookback": "45m", "workers": 7},
	  "plans": {"plus": {"deliver": true, "monthly_cap": 10}},
	  "scheduler": {"dispatch_every": "5m", "digest_at": "off"}
	}`))
	require.NoError(t, err)
	s, err := cfg.Resolve()
	require.NoError(t, err)

	a.apply(ctx, s)

	assert.Equal(t, 45*time.Minute, a.scanner.Lookback())
	assert.Equal(t, 10, a.ent.Table()[entitlement.PlanPlus].MonthlyCap)
	assert.Equal(t, "America/Sao_Paulo", a.ent.Location().String())
	assert.ElementsMatch(t, []string{jobs.NameDispatch, jobs.NameRenewal, jobs.NameTips}, scheduleNames(a))
	assert.Equal(t, "America/Sao_Paulo", a.sched.Location().String())
	// The gateway keeps its startup settings.
	assert.Equal(t, "55", a.settings.Gateway.CountryCode)
}

func TestPlanTableOverlaysDefaults(t *testing.T) {
	t.Parallel()
	tbl := planTable(map[string]config.PlanConfig{"plus": {Deliver: true, MonthlyCap: 100}, "gold": {Deliver: true}})
	assert.Equal(t, entitlement.Policy{Deliver: true, MonthlyCap: 100}, tbl[entitlement.PlanPlus])
	assert.Equal(t, entitlement.Policy{Deliver: true}, tbl[entitlement.PlanPremium])
	assert.False(t, tbl[entitlement.PlanFree].Deliver)
	assert.Contains(t, tbl, entitlement.Plan("gold"))
}
