package storage

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/entitlement"
	"remindbot/internal/reminder"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
//   - "memory": non-persistent, for tests and dry runs
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
	// LogRetention bounds the dispatch log. 0 keeps everything.
	LogRetention time.Duration
}

// Cursor is a keyset position in (trigger_at, id) order.
type Cursor struct {
	TriggerAt time.Time
	ID        string
}

func (c Cursor) IsZero() bool { return c.ID == "" && c.TriggerAt.IsZero() }

// DispatchRecord is one dispatch attempt as written to the dispatch log.
// Keep it compact and schema-stable.
type DispatchRecord struct {
	ID         string
	At         time.Time
	ReminderID string
	UserID     string
	Outcome    string
	Address    string
	Error      string
	Occurrence time.Time
	Next       time.Time
	TookMS     int64
	Meta       map[string]any
}

// Store is the persistence API used by the dispatch loop, the periodic jobs
// and the status surface.
type Store interface {
	// DueReminders returns up to limit undelivered, unclaimed reminders with
	// from <= trigger_at <= to, strictly after the cursor, ordered by
	// (trigger_at, id).
	DueReminders(ctx context.Context, from, to time.Time, after Cursor, limit int) ([]reminder.Reminder, error)
	// ClaimReminder marks the current occurrence as owned. It reports false
	// when the reminder is already claimed, delivered or gone.
	ClaimReminder(ctx context.Context, id string, at time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id string) error
	// Reschedule moves the reminder to next and clears the claim.
	Reschedule(ctx context.Context, id string, next time.Time) error
	GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error)
	// InsertReminder creates a reminder. Empty ID, CreatedAt and Anchor are filled in.
	InsertReminder(ctx context.Context, r reminder.Reminder) (reminder.Reminder, error)
	// UpcomingReminders lists undelivered reminders with from <= trigger_at < to.
	UpcomingReminders(ctx context.Context, from, to time.Time) ([]reminder.Reminder, error)

	GetUser(ctx context.Context, userID string) (reminder.User, bool, error)
	PutUser(ctx context.Context, u reminder.User) error

	GetSubscription(ctx context.Context, userID string) (entitlement.Subscription, bool, error)
	PutSubscription(ctx context.Context, s entitlement.Subscription) error
	// Subscribers lists active or trialing subscriptions on plan, by user id.
	Subscribers(ctx context.Context, plan entitlement.Plan) ([]entitlement.Subscription, error)

	GetUsage(ctx context.Context, userID string) (entitlement.Usage, bool, error)
	IncrementUsage(ctx context.Context, userID, period string) (int, error)
	ReserveUsage(ctx context.Context, userID, period string, limit int) (int, bool, error)
	ReleaseUsage(ctx context.Context, userID, period string) error
	// CappedInPeriod lists counters that reached their cap during period.
	CappedInPeriod(ctx context.Context, period string) ([]entitlement.Usage, error)
	MarkRenewalNotified(ctx context.Context, userID, period string) error

	AppendDispatch(ctx context.Context, rec DispatchRecord) error
	RecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
