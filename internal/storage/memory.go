package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"remindbot/internal/entitlement"
	"remindbot/internal/reminder"
)

// Memory is a process-local Store. It keeps the same conditional-update
// semantics as the SQL drivers so tests and dry runs exercise the real
// claim and quota paths.
type Memory struct {
	mu         sync.Mutex
	reminders  map[string]reminder.Reminder
	users      map[string]reminder.User
	subs       map[string]entitlement.Subscription
	usage      map[string]entitlement.Usage
	dispatches []DispatchRecord

	failNext error
}

func NewMemory() *Memory {
	return &Memory{
		reminders: map[string]reminder.Reminder{},
		users:     map[string]reminder.User{},
		subs:      map[string]entitlement.Subscription{},
		usage:     map[string]entitlement.Usage{},
	}
}

// FailNext makes the next store call return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *Memory) takeFail() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *Memory) DueReminders(_ context.Context, from, to time.Time, after Cursor, limit int) ([]reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var out []reminder.Reminder
	for _, r := range m.reminders {
		if r.Delivered || r.Claimed() {
			continue
		}
		if r.TriggerAt.Before(from) || r.TriggerAt.After(to) {
			continue
		}
		if !after.IsZero() && compareKey(r.TriggerAt, r.ID, after.TriggerAt, after.ID) <= 0 {
			continue
		}
		out = append(out, r)
	}
	sortByTrigger(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpcomingReminders(_ context.Context, from, to time.Time) ([]reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return nil, err
	}
	var out []reminder.Reminder
	for _, r := range m.reminders {
		if r.Delivered || r.TriggerAt.Before(from) || !r.TriggerAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b reminder.Reminder) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return compareKey(a.TriggerAt, a.ID, b.TriggerAt, b.ID)
	})
	return out, nil
}

func (m *Memory) ClaimReminder(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return false, err
	}
	r, ok := m.reminders[id]
	if !ok || r.Delivered || r.Claimed() {
		return false, nil
	}
	r.ClaimedAt = at
	m.reminders[id] = r
	return true, nil
}

func (m *Memory) MarkDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	if r, ok := m.reminders[id]; ok {
		r.Delivered = true
		m.reminders[id] = r
	}
	return nil
}

func (m *Memory) Reschedule(_ context.Context, id string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	if r, ok := m.reminders[id]; ok {
		r.TriggerAt = next
		r.ClaimedAt = time.Time{}
		m.reminders[id] = r
	}
	return nil
}

func (m *Memory) GetReminder(_ context.Context, id string) (reminder.Reminder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return reminder.Reminder{}, false, err
	}
	r, ok := m.reminders[id]
	return r, ok, nil
}

func (m *Memory) InsertReminder(_ context.Context, r reminder.Reminder) (reminder.Reminder, error) {
	r, err := prepareInsert(r)
	if err != nil {
		return r, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return r, err
	}
	if _, dup := m.reminders[r.ID]; dup {
		return r, errors.New("reminder already exists: " + r.ID)
	}
	m.reminders[r.ID] = r
	return r, nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (reminder.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return reminder.User{}, false, err
	}
	u, ok := m.users[userID]
	return u, ok, nil
}

func (m *Memory) PutUser(_ context.Context, u reminder.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, userID string) (entitlement.Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return entitlement.Subscription{}, false, err
	}
	s, ok := m.subs[userID]
	return s, ok, nil
}

func (m *Memory) PutSubscription(_ context.Context, s entitlement.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	m.subs[s.UserID] = s
	return nil
}

func (m *Memory) Subscribers(_ context.Context, plan entitlement.Plan) ([]entitlement.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return nil, err
	}
	var out []entitlement.Subscription
	for _, sub := range m.subs {
		if sub.EffectivePlan() == plan {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b entitlement.Subscription) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (m *Memory) GetUsage(_ context.Context, userID string) (entitlement.Usage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return entitlement.Usage{}, false, err
	}
	u, ok := m.usage[userID]
	return u, ok, nil
}

func (m *Memory) IncrementUsage(_ context.Context, userID, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return 0, err
	}
	u, ok := m.usage[userID]
	if !ok {
		u = entitlement.Usage{UserID: userID}
	}
	if u.Period == period {
		u.Count++
	} else {
		u.Count = 1
		u.Period = period
	}
	m.usage[userID] = u
	return u.Count, nil
}

func (m *Memory) ReserveUsage(_ context.Context, userID, period string, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return 0, false, err
	}
	u, ok := m.usage[userID]
	if !ok {
		u = entitlement.Usage{UserID: userID}
	}
	if u.Period != period {
		u.Count, u.Period = 0, period
	}
	if u.Count >= limit {
		return u.Count, false, nil
	}
	u.Count++
	if u.Count >= limit {
		u.CappedPeriod = period
	}
	m.usage[userID] = u
	return u.Count, true, nil
}

func (m *Memory) ReleaseUsage(_ context.Context, userID, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	u, ok := m.usage[userID]
	if !ok || u.Period != period || u.Count == 0 {
		return nil
	}
	u.Count--
	if u.CappedPeriod == period {
		u.CappedPeriod = ""
	}
	m.usage[userID] = u
	return nil
}

func (m *Memory) CappedInPeriod(_ context.Context, period string) ([]entitlement.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return nil, err
	}
	var out []entitlement.Usage
	for _, u := range m.usage {
		if u.CappedPeriod == period {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b entitlement.Usage) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (m *Memory) MarkRenewalNotified(_ context.Context, userID, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	if u, ok := m.usage[userID]; ok {
		u.NotifiedPeriod = period
		m.usage[userID] = u
	}
	return nil
}

func (m *Memory) AppendDispatch(_ context.Context, rec DispatchRecord) error {
	rec, _, err := prepareDispatch(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	m.dispatches = append(m.dispatches, rec)
	return nil
}

func (m *Memory) RecentDispatches(_ context.Context, limit int) ([]DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	n := len(m.dispatches)
	out := make([]DispatchRecord, 0, min(limit, n))
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.dispatches[i])
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func compareKey(at time.Time, id string, bt time.Time, bid string) int {
	if c := at.Compare(bt); c != 0 {
		return c
	}
	return strings.Compare(id, bid)
}

func sortByTrigger(rs []reminder.Reminder) {
	slices.SortFunc(rs, func(a, b reminder.Reminder) int {
		return compareKey(a.TriggerAt, a.ID, b.TriggerAt, b.ID)
	})
}
