package jobs

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/dispatch"
	"remindbot/internal/entitlement"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Schedule names.
const (
	NameDispatch = "reminders.dispatch"
	NameCatchUp  = "reminders.catchup"
	NameDigest   = "digest.daily"
	NameRenewal  = "quota.reset_notice"
	NameTips     = "tips.premium"
)

type Ticker interface {
	Tick(ctx context.Context, now time.Time) (dispatch.TickSummary, error)
}

type Store interface {
	UpcomingReminders(ctx context.Context, from, to time.Time) ([]reminder.Reminder, error)
	GetUser(ctx context.Context, userID string) (reminder.User, bool, error)
	CappedInPeriod(ctx context.Context, period string) ([]entitlement.Usage, error)
	Subscribers(ctx context.Context, plan entitlement.Plan) ([]entitlement.Subscription, error)
	MarkRenewalNotified(ctx context.Context, userID, period string) error
}

type Entitlements interface {
	PolicyFor(ctx context.Context, userID string) (entitlement.Plan, entitlement.Policy, error)
	Location() *time.Location
}

type Contacts interface {
	ResolveAddress(ctx context.Context, userID string) (string, bool, error)
}

type Sender interface {
	Deliver(ctx context.Context, rawAddress, text string) (string, error)
}

type Deps struct {
	Ticker       Ticker
	Store        Store
	Entitlements Entitlements
	Contacts     Contacts
	Sender       Sender
	Log          logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Jobs struct {
	deps Deps
	log  logx.Logger
}

func New(deps Deps) *Jobs {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Jobs{deps: deps, log: deps.Log.With(logx.Component("jobs"))}
}

// DispatchDue runs one dispatch tick. Only a scan failure is an error;
// per-reminder failures are already recorded by the dispatcher.
func (j *Jobs) DispatchDue(ctx context.Context) error {
	_, err := j.deps.Ticker.Tick(ctx, j.deps.Now())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (j *Jobs) location() *time.Location {
	if loc := j.deps.Entitlements.Location(); loc != nil {
		return loc
	}
	return time.Local
}

// recipient resolves where userID may receive a job message. ok is false
// when the plan excludes delivery or no address is registered.
func (j *Jobs) recipient(ctx context.Context, userID string) (string, bool, error) {
	_, pol, err := j.deps.Entitlements.PolicyFor(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if !pol.Deliver {
		return "", false, nil
	}
	return j.deps.Contacts.ResolveAddress(ctx, userID)
}
