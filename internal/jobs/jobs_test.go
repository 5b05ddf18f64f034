package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/contact"
	"remindbot/internal/dispatch"
	"remindbot/internal/entitlement"
	"remindbot/internal/eventbus"
	"remindbot/internal/gateway"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

const (
	phone   = "(11) 98765-4321"
	mobile9 = "5511987654321@c.us"
)

type harness struct {
	store *storage.Memory
	gw    *gateway.Loopback
	jobs  *Jobs
	now   time.Time
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	st := storage.NewMemory()
	bus := eventbus.New()
	gw := gateway.NewLoopback(gateway.NewStateTracker(bus, logx.Nop()), logx.Nop())
	gw.SetState(gateway.StateConnected)

	ent := entitlement.NewResolver(st, entitlement.DefaultTable(), time.UTC, logx.Nop())
	contacts := contact.NewResolver(st, logx.Nop())
	deliverer := gateway.NewDeliverer(gw, contact.CandidateOptions{Suffix: contact.DefaultSuffix}, time.Second, logx.Nop())
	disp := dispatch.NewDispatcher(dispatch.Deps{
		Store:        st,
		Entitlements: ent,
		Contacts:     contacts,
		Sender:       deliverer,
		Journal:      st,
		Bus:          bus,
	}, dispatch.Config{Location: time.UTC})
	runner := dispatch.NewRunner(dispatch.NewScanner(st, dispatch.ScannerConfig{Lookback: 20 * time.Minute}, logx.Nop()), disp, 2, logx.Nop())

	h := &harness{store: st, gw: gw, now: now}
	h.jobs = New(Deps{
		Ticker:       runner,
		Store:        st,
		Entitlements: ent,
		Contacts:     contacts,
		Sender:       deliverer,
		Now:          func() time.Time { return h.now },
	})
	return h
}

func (h *harness) user(t *testing.T, id, name string, plan entitlement.Plan, address string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.PutUser(ctx, reminder.User{ID: id, Name: name, Address: address}))
	if plan != "" {
		require.NoError(t, h.store.PutSubscription(ctx, entitlement.Subscription{UserID: id, Plan: plan, Status: "active"}))
	}
}

func (h *harness) reminder(t *testing.T, userID, title string, at time.Time) {
	t.Helper()
	_, err := h.store.InsertReminder(context.Background(), reminder.Reminder{UserID: userID, Title: title, TriggerAt: at})
	require.NoError(t, err)
}

// usage counts n deliveries against the default plus cap.
func (h *harness) usage(t *testing.T, userID, period string, n int) {
	t.Helper()
	for range n {
		_, _, err := h.store.ReserveUsage(context.Background(), userID, period, 30)
		require.NoError(t, err)
	}
}

var morning = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

func TestDigestSendsOneSummaryPerEntitledUser(t *testing.T) {
	h := newHarness(t, morning)
	h.user(t, "u1", "Ana Souza", entitlement.PlanPlus, phone)
	h.user(t, "u2", "Bruno", "", "(21) 99999-0000")
	h.user(t, "u3", "Carla", entitlement.PlanPremium, "")

	h.reminder(t, "u1", "gym", morning.Add(6*time.Hour))
	h.reminder(t, "u1", "dentist", morning.Add(90*time.Minute))
	h.reminder(t, "u1", "tomorrow", morning.Add(26*time.Hour))
	h.reminder(t, "u2", "free plan", morning.Add(time.Hour))
	h.reminder(t, "u3", "no phone", morning.Add(time.Hour))

	sum, err := h.jobs.RunDigest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DigestSummary{Users: 3, Sent: 1, Skipped: 2}, sum)

	sent := h.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mobile9, sent[0].To)
	assert.Equal(t, "Good morning, Ana! You have 2 reminders today:\n\n- [09:30] dentist\n- [14:00] gym\n\nOpen the app for details.", sent[0].Text)

	_, found, err := h.store.GetUsage(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, found, "digest must not consume quota")
}

func TestDigestStopsWhenGatewayIsDown(t *testing.T) {
	h := newHarness(t, morning)
	h.user(t, "u1", "Ana", entitlement.PlanPremium, phone)
	h.reminder(t, "u1", "call", morning.Add(time.Hour))
	h.gw.SetState(gateway.StateReconnecting)

	err := h.jobs.Digest(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
	assert.ErrorIs(t, err, reminder.ErrGatewayDisconnected)
	assert.Empty(t, h.gw.Sent())
}

func TestDigestMessageSingular(t *testing.T) {
	t.Parallel()
	msg := DigestMessage("", []reminder.Reminder{{Title: "pay rent", TriggerAt: morning}}, time.UTC)
	assert.Equal(t, "Good morning, there! You have 1 reminder today:\n\n- [08:00] pay rent\n\nOpen the app for details.", msg)
}

func TestDayWindowFollowsLocation(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	// 02:00 UTC is still the previous evening in Sao Paulo.
	from, to := dayWindow(time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC), loc)
	assert.Equal(t, time.Date(2024, 5, 9, 0, 0, 0, 0, loc), from)
	assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, loc), to)
}

var firstOfJune = time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)

func TestRenewalNoticeTargetsCappedUsers(t *testing.T) {
	h := newHarness(t, firstOfJune)
	ctx := context.Background()

	h.user(t, "capped", "Dani Lima", entitlement.PlanPlus, phone)
	h.usage(t, "capped", "2024-05", 30)

	h.user(t, "below", "Eva", entitlement.PlanPlus, "(11) 91111-2222")
	h.usage(t, "below", "2024-05", 12)

	h.user(t, "upgraded", "Fabio", entitlement.PlanPremium, "(11) 93333-4444")
	h.usage(t, "upgraded", "2024-05", 40)

	h.user(t, "done", "Gil", entitlement.PlanPlus, "(11) 95555-6666")
	h.usage(t, "done", "2024-05", 30)
	require.NoError(t, h.store.MarkRenewalNotified(ctx, "done", "2024-06"))

	h.user(t, "current", "Hugo", entitlement.PlanPlus, "(11) 97777-8888")
	h.usage(t, "current", "2024-06", 30)

	sum, err := h.jobs.RunRenewalNotice(ctx)
	require.NoError(t, err)
	assert.Equal(t, RenewalSummary{Candidates: 1, Sent: 1, Marked: 1}, sum)

	sent := h.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, mobile9, sent[0].To)
	assert.Contains(t, sent[0].Text, "Hi, Dani!")
	assert.Contains(t, sent[0].Text, "monthly quota has renewed")

	for _, id := range []string{"capped", "upgraded"} {
		u, _, err := h.store.GetUsage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "2024-06", u.NotifiedPeriod, id)
	}
	u, _, err := h.store.GetUsage(ctx, "below")
	require.NoError(t, err)
	assert.Empty(t, u.NotifiedPeriod)

	sum, err = h.jobs.RunRenewalNotice(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Sent)
	assert.Len(t, h.gw.Sent(), 1)
}

func TestRenewalNoticeReachesUsersWhoAlreadySentThisMonth(t *testing.T) {
	h := newHarness(t, firstOfJune)
	ctx := context.Background()
	h.user(t, "capped", "Dani", entitlement.PlanPlus, phone)
	h.usage(t, "capped", "2024-05", 30)

	// A reminder goes out at 00:05 on the 1st, before the 07:00 notice.
	h.usage(t, "capped", "2024-06", 1)
	u, _, err := h.store.GetUsage(ctx, "capped")
	require.NoError(t, err)
	require.Equal(t, "2024-06", u.Period)
	require.Equal(t, 1, u.Count)

	sum, err := h.jobs.RunRenewalNotice(ctx)
	require.NoError(t, err)
	assert.Equal(t, RenewalSummary{Candidates: 1, Sent: 1}, sum)
	require.Len(t, h.gw.Sent(), 1)
	assert.Contains(t, h.gw.Sent()[0].Text, "Hi, Dani!")

	u, _, err = h.store.GetUsage(ctx, "capped")
	require.NoError(t, err)
	assert.Equal(t, "2024-06", u.NotifiedPeriod)
	assert.Equal(t, 1, u.Count)
}

func TestRenewalNoticeRetriesFailedSends(t *testing.T) {
	h := newHarness(t, firstOfJune)
	ctx := context.Background()
	h.user(t, "capped", "Dani", entitlement.PlanPlus, phone)
	h.usage(t, "capped", "2024-05", 30)

	h.gw.Register(mobile9)
	h.gw.FailSends(mobile9, errors.New("bridge 502"))
	sum, err := h.jobs.RunRenewalNotice(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, reminder.ErrTransientSendFailure)
	assert.Equal(t, 1, sum.Failed)

	u, _, err := h.store.GetUsage(ctx, "capped")
	require.NoError(t, err)
	assert.Empty(t, u.NotifiedPeriod)

	h.gw.FailSends(mobile9, nil)
	sum, err = h.jobs.RunRenewalNotice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)
}

func TestRenewalNoticeMarksUnreachableUsers(t *testing.T) {
	h := newHarness(t, firstOfJune)
	ctx := context.Background()
	h.user(t, "capped", "Dani", entitlement.PlanPlus, phone)
	h.usage(t, "capped", "2024-05", 30)
	h.gw.Register("0000@c.us")

	sum, err := h.jobs.RunRenewalNotice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Marked)
	assert.Empty(t, h.gw.Sent())

	u, _, err := h.store.GetUsage(ctx, "capped")
	require.NoError(t, err)
	assert.Equal(t, "2024-06", u.NotifiedPeriod)
}

func TestDispatchDueRunsTick(t *testing.T) {
	h := newHarness(t, morning)
	h.user(t, "u1", "Ana", entitlement.PlanPremium, phone)
	h.reminder(t, "u1", "standup", morning.Add(-time.Minute))

	require.NoError(t, h.jobs.DispatchDue(context.Background()))
	require.Len(t, h.gw.Sent(), 1)
	assert.Equal(t, `Reminder: "standup" at 07:59`, h.gw.Sent()[0].Text)
}

func newScheduler(t *testing.T) *scheduler.Service {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := scheduler.New(scheduler.Config{Timezone: "UTC"}, eng, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s
}

func TestRegisterInstallsAndRemovesJobs(t *testing.T) {
	h := newHarness(t, morning)
	s := newScheduler(t)

	require.NoError(t, h.jobs.Register(s, Schedule{
		DispatchEvery: "2m",
		DigestAt:      "08:00",
		ResetNotice:   "0 7 1 * *",
		Tips:          "0 8,12,16,18,21 * * *",
		Timeout:       time.Minute,
	}))
	specs := map[string]string{}
	for _, info := range s.Snapshot().Schedules {
		specs[info.Name] = info.Spec
	}
	assert.Equal(t, map[string]string{
		NameDispatch: "@every 2m0s",
		NameDigest:   "0 8 * * *",
		NameRenewal:  "0 7 1 * *",
		NameTips:     "0 8,12,16,18,21 * * *",
	}, specs)

	require.NoError(t, h.jobs.Register(s, Schedule{DispatchEvery: "5m", Timeout: time.Minute}))
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, NameDispatch, snap.Schedules[0].Name)
	assert.Equal(t, "@every 5m0s", snap.Schedules[0].Spec)

	assert.Error(t, h.jobs.Register(s, Schedule{DispatchEvery: "soon"}))
	assert.Error(t, h.jobs.Register(s, Schedule{DispatchEvery: "2m", DigestAt: "8am"}))
	assert.Error(t, h.jobs.Register(s, Schedule{DispatchEvery: "2m", Tips: "0 25 * * *"}))
}

func TestPremiumTipsReachActivePremiumSubscribers(t *testing.T) {
	noon := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, noon)
	ctx := context.Background()

	h.user(t, "p1", "Ana Souza", entitlement.PlanPremium, phone)
	h.user(t, "p2", "", entitlement.PlanPremium, "(21) 99999-0000")
	h.user(t, "nophone", "Caio", entitlement.PlanPremium, "")
	h.user(t, "plus", "Dani", entitlement.PlanPlus, "(11) 91111-2222")
	h.user(t, "lapsed", "Eva", "", "(11) 93333-4444")
	require.NoError(t, h.store.PutSubscription(ctx, entitlement.Subscription{UserID: "lapsed", Plan: entitlement.PlanPremium, Status: "canceled"}))
	h.user(t, "trial", "Fabio", "", "(11) 95555-6666")
	require.NoError(t, h.store.PutSubscription(ctx, entitlement.Subscription{UserID: "trial", Plan: entitlement.PlanPremium, Status: "Trialing"}))

	sum, err := h.jobs.RunPremiumTips(ctx)
	require.NoError(t, err)
	assert.Equal(t, TipsSummary{Subscribers: 4, Sent: 3, Skipped: 1}, sum)

	byTo := map[string]string{}
	for _, m := range h.gw.Sent() {
		byTo[m.To] = m.Text
	}
	assert.Equal(t, "Hey Ana, lunch time! Want a reminder so you don't skip that break?", byTo[mobile9])
	assert.Equal(t, "Hey there, lunch time! Want a reminder so you don't skip that break?", byTo["5521999990000@c.us"])
	assert.Contains(t, byTo["5511955556666@c.us"], "Fabio")

	_, found, err := h.store.GetUsage(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found, "tips must not consume quota")
}

func TestPremiumTipsQuietOutsideTipHours(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC))
	h.user(t, "p1", "Ana", entitlement.PlanPremium, phone)

	sum, err := h.jobs.RunPremiumTips(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum)
	assert.Empty(t, h.gw.Sent())
}

func TestPremiumTipsStopWhenGatewayIsDown(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 10, 21, 0, 0, 0, time.UTC))
	h.user(t, "p1", "Ana", entitlement.PlanPremium, phone)
	h.gw.SetState(gateway.StateReconnecting)

	err := h.jobs.PremiumTips(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
}

func TestTipMessageByHour(t *testing.T) {
	t.Parallel()
	for _, hour := range []int{8, 12, 16, 18, 21} {
		assert.Contains(t, TipMessage("Ana Souza", hour), "Ana", hour)
		assert.NotContains(t, TipMessage("Ana Souza", hour), "Souza", hour)
	}
	assert.Contains(t, TipMessage("", 8), "Good morning, there!")
	assert.Contains(t, TipMessage("", 18), "tomorrow's important reminders")
	for _, hour := range []int{0, 7, 9, 13, 20, 23} {
		assert.Empty(t, TipMessage("Ana", hour), hour)
	}
}

func TestCatchUpDispatchesImmediately(t *testing.T) {
	h := newHarness(t, morning)
	h.user(t, "u1", "Ana", entitlement.PlanPremium, phone)
	h.reminder(t, "u1", "missed", morning.Add(-10*time.Minute))

	s := newScheduler(t)
	s.Start(context.Background())
	require.NoError(t, h.jobs.CatchUp(s, time.Minute))

	require.Eventually(t, func() bool { return len(h.gw.Sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Snapshot().Once) == 0 }, time.Second, 10*time.Millisecond)
}
