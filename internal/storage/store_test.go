package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/entitlement"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

func openSQLiteForTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "remindbot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLiteForTest(t)) })
}

var base = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func TestDueRemindersKeysetPaging(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			_, err := st.InsertReminder(ctx, reminder.Reminder{ID: id, UserID: "u1", TriggerAt: base})
			require.NoError(t, err)
		}
		_, err := st.InsertReminder(ctx, reminder.Reminder{ID: "early", UserID: "u1", TriggerAt: base.Add(-time.Hour)})
		require.NoError(t, err)
		_, err = st.InsertReminder(ctx, reminder.Reminder{ID: "future", UserID: "u1", TriggerAt: base.Add(time.Hour)})
		require.NoError(t, err)
		_, err = st.InsertReminder(ctx, reminder.Reminder{ID: "done", UserID: "u1", TriggerAt: base, Delivered: true})
		require.NoError(t, err)

		from, to := base.Add(-20*time.Minute), base.Add(time.Minute)
		page, err := st.DueReminders(ctx, from, to, Cursor{}, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "a", page[0].ID)
		assert.Equal(t, "b", page[1].ID)

		last := page[1]
		page, err = st.DueReminders(ctx, from, to, Cursor{TriggerAt: last.TriggerAt, ID: last.ID}, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "c", page[0].ID)
		assert.True(t, page[0].TriggerAt.Equal(base))
		assert.Equal(t, reminder.RuleNone, page[0].Rule)
		assert.True(t, page[0].Anchor.Equal(base))
	})
}

func TestClaimIsExclusive(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r, err := st.InsertReminder(ctx, reminder.Reminder{UserID: "u1", TriggerAt: base, Rule: reminder.RuleDaily})
		require.NoError(t, err)
		require.NotEmpty(t, r.ID)

		ok, err := st.ClaimReminder(ctx, r.ID, base)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.ClaimReminder(ctx, r.ID, base.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		due, err := st.DueReminders(ctx, base.Add(-time.Hour), base.Add(time.Hour), Cursor{}, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		next := base.Add(24 * time.Hour)
		require.NoError(t, st.Reschedule(ctx, r.ID, next))
		got, found, err := st.GetReminder(ctx, r.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.False(t, got.Claimed())
		assert.False(t, got.Delivered)
		assert.True(t, got.TriggerAt.Equal(next))
		assert.Equal(t, reminder.RuleDaily, got.Rule)

		ok, err = st.ClaimReminder(ctx, "missing", base)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMarkDeliveredBlocksClaim(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r, err := st.InsertReminder(ctx, reminder.Reminder{UserID: "u1", TriggerAt: base})
		require.NoError(t, err)
		require.NoError(t, st.MarkDelivered(ctx, r.ID))

		ok, err := st.ClaimReminder(ctx, r.ID, base)
		require.NoError(t, err)
		assert.False(t, ok)

		got, _, err := st.GetReminder(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, got.Delivered)
	})
}

func TestUnknownRuleIsPreserved(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r, err := st.InsertReminder(ctx, reminder.Reminder{UserID: "u1", TriggerAt: base, Rule: reminder.Rule("Quinzenal")})
		require.NoError(t, err)
		got, _, err := st.GetReminder(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, reminder.Rule("Quinzenal"), got.Rule)
	})
}

func TestIncrementUsageResetsOnNewPeriod(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			n, err := st.IncrementUsage(ctx, "u1", "2024-05")
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}
		n, err := st.IncrementUsage(ctx, "u1", "2024-06")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		u, found, err := st.GetUsage(ctx, "u1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, entitlement.Usage{UserID: "u1", Count: 1, Period: "2024-06"}, u)

		_, found, err = st.GetUsage(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestReserveUsageHoldsTheCap(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i := 1; i <= 2; i++ {
			n, ok, err := st.ReserveUsage(ctx, "u1", "2024-05", 3)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, i, n)
		}
		u, _, err := st.GetUsage(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, u.CappedPeriod)

		n, ok, err := st.ReserveUsage(ctx, "u1", "2024-05", 3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, n)

		n, ok, err = st.ReserveUsage(ctx, "u1", "2024-05", 3)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, n)

		// Giving the slot back reopens it and forgets the cap.
		require.NoError(t, st.ReleaseUsage(ctx, "u1", "2024-05"))
		u, _, err = st.GetUsage(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, u.Count)
		assert.Empty(t, u.CappedPeriod)
		_, ok, err = st.ReserveUsage(ctx, "u1", "2024-05", 3)
		require.NoError(t, err)
		assert.True(t, ok)

		// A new period starts from one and keeps the old cap mark.
		n, ok, err = st.ReserveUsage(ctx, "u1", "2024-06", 3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, n)
		u, _, err = st.GetUsage(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.Usage{UserID: "u1", Count: 1, Period: "2024-06", CappedPeriod: "2024-05"}, u)

		// Releasing against a stale period is a no-op.
		require.NoError(t, st.ReleaseUsage(ctx, "u1", "2024-05"))
		u, _, err = st.GetUsage(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, u.Count)
		assert.Equal(t, "2024-05", u.CappedPeriod)
	})
}

func TestReserveUsageConcurrentCallersShareOneSlot(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for range 29 {
			_, _, err := st.ReserveUsage(ctx, "u1", "2024-05", 30)
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		var granted atomic.Int32
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := st.ReserveUsage(ctx, "u1", "2024-05", 30)
				assert.NoError(t, err)
				if ok {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), granted.Load())
		u, _, err := st.GetUsage(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 30, u.Count)
	})
}

func TestCappedInPeriodAndRenewalMark(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, id := range []string{"u2", "u1"} {
			for range 2 {
				_, _, err := st.ReserveUsage(ctx, id, "2024-05", 2)
				require.NoError(t, err)
			}
		}
		_, _, err := st.ReserveUsage(ctx, "below", "2024-05", 2)
		require.NoError(t, err)
		for range 2 {
			_, _, err = st.ReserveUsage(ctx, "april", "2024-04", 2)
			require.NoError(t, err)
		}
		// u2 already sent once in the new period.
		_, _, err = st.ReserveUsage(ctx, "u2", "2024-06", 2)
		require.NoError(t, err)

		list, err := st.CappedInPeriod(ctx, "2024-05")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "u1", list[0].UserID)
		assert.Equal(t, "u2", list[1].UserID)
		assert.Equal(t, "2024-06", list[1].Period)

		require.NoError(t, st.MarkRenewalNotified(ctx, "u1", "2024-06"))
		u, _, err := st.GetUsage(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "2024-06", u.NotifiedPeriod)
		assert.Equal(t, 2, u.Count)
	})
}

func TestSubscribersListsGrantingSubscriptions(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		subs := []entitlement.Subscription{
			{UserID: "c", Plan: entitlement.PlanPremium, Status: "active"},
			{UserID: "a", Plan: entitlement.PlanPremium, Status: "Trialing"},
			{UserID: "b", Plan: entitlement.PlanPremium, Status: "canceled"},
			{UserID: "d", Plan: entitlement.PlanPlus, Status: "active"},
		}
		for _, sub := range subs {
			require.NoError(t, st.PutSubscription(ctx, sub))
		}

		list, err := st.Subscribers(ctx, entitlement.PlanPremium)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].UserID)
		assert.Equal(t, "c", list[1].UserID)
	})
}

func TestUsersAndSubscriptionsUpsert(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.PutUser(ctx, reminder.User{ID: "u1", Name: "Ana", Address: "11 98765-4321"}))
		require.NoError(t, st.PutUser(ctx, reminder.User{ID: "u1", Name: "Ana B", Address: "11 98765-0000"}))
		u, found, err := st.GetUser(ctx, "u1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, reminder.User{ID: "u1", Name: "Ana B", Address: "11 98765-0000"}, u)

		require.NoError(t, st.PutSubscription(ctx, entitlement.Subscription{UserID: "u1", Plan: entitlement.PlanPlus, Status: "active"}))
		require.NoError(t, st.PutSubscription(ctx, entitlement.Subscription{UserID: "u1", Plan: entitlement.PlanPremium, Status: "trialing"}))
		s, found, err := st.GetSubscription(ctx, "u1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, entitlement.PlanPremium, s.Plan)
		assert.Equal(t, "trialing", s.Status)

		_, found, err = st.GetUser(ctx, "u2")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestUpcomingRemindersGroupedByUser(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
		mk := func(id, user string, at time.Time) {
			_, err := st.InsertReminder(ctx, reminder.Reminder{ID: id, UserID: user, TriggerAt: at})
			require.NoError(t, err)
		}
		mk("r1", "u2", day.Add(9*time.Hour))
		mk("r2", "u1", day.Add(18*time.Hour))
		mk("r3", "u1", day.Add(8*time.Hour))
		mk("r4", "u1", day.Add(24*time.Hour))

		list, err := st.UpcomingReminders(ctx, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		ids := make([]string, 0, len(list))
		for _, r := range list {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"r3", "r2", "r1"}, ids)
	})
}

func TestDispatchLogNewestFirst(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.AppendDispatch(ctx, DispatchRecord{At: base, ReminderID: "r1", Outcome: "sent", Address: "a@c.us"}))
		require.NoError(t, st.AppendDispatch(ctx, DispatchRecord{
			At: base.Add(time.Second), ReminderID: "r2", Outcome: "send_failed", Error: "boom",
			Meta: map[string]any{"candidates": float64(2)},
		}))

		recs, err := st.RecentDispatches(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "r2", recs[0].ReminderID)
		assert.Equal(t, "boom", recs[0].Error)
		assert.Equal(t, float64(2), recs[0].Meta["candidates"])
		assert.NotEmpty(t, recs[0].ID)
		assert.Equal(t, "a@c.us", recs[1].Address)
	})
}

func TestInsertReminderValidates(t *testing.T) {
	st := NewMemory()
	_, err := st.InsertReminder(context.Background(), reminder.Reminder{TriggerAt: base})
	assert.Error(t, err)
	_, err = st.InsertReminder(context.Background(), reminder.Reminder{UserID: "u1"})
	assert.Error(t, err)
}

func TestMemoryFailNext(t *testing.T) {
	st := NewMemory()
	boom := errors.New("boom")
	st.FailNext(boom)
	_, _, err := st.GetUser(context.Background(), "u1")
	assert.ErrorIs(t, err, boom)
	_, _, err = st.GetUser(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}
