package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"remindbot/internal/entitlement"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

const EventDispatched = "reminder.dispatched"

type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeSkippedByPolicy  Outcome = "skipped_by_policy"
	OutcomeSkippedNoContact Outcome = "skipped_no_contact"
	OutcomeSendFailed       Outcome = "send_failed"
	// OutcomeSkippedClaimed means another dispatcher owns this occurrence.
	OutcomeSkippedClaimed Outcome = "skipped_claimed"
)

// Result describes one dispatch. Err carries the reason for any outcome
// other than Sent, joined with write-back failures.
type Result struct {
	ReminderID string
	UserID     string
	Outcome    Outcome
	Err        error
	Address    string
	Occurrence time.Time
	// Next is the rescheduled trigger of a recurring reminder.
	Next    time.Time
	Retired bool
	Took    time.Duration
}

// Store is the write side of the reminder store.
type Store interface {
	ClaimReminder(ctx context.Context, id string, at time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, next time.Time) error
}

// Entitlements gates delivery. Reserve takes a quota slot atomically for
// capped plans; Release returns it when nothing was delivered.
type Entitlements interface {
	Reserve(ctx context.Context, userID string, now time.Time) (entitlement.Decision, error)
	Release(ctx context.Context, userID string, d entitlement.Decision) error
	RecordDelivery(ctx context.Context, userID string, now time.Time) error
}

type Contacts interface {
	ResolveAddress(ctx context.Context, userID string) (string, bool, error)
}

// Sender delivers text to a raw stored address and returns the address form used.
type Sender interface {
	Deliver(ctx context.Context, rawAddress, text string) (string, error)
}

// Journal persists dispatch results.
type Journal interface {
	AppendDispatch(ctx context.Context, rec storage.DispatchRecord) error
}

type Deps struct {
	Store        Store
	Entitlements Entitlements
	Contacts     Contacts
	Sender       Sender
	Journal      Journal
	Bus          eventbus.Bus
	Log          logx.Logger
}

type Config struct {
	// Timeout bounds entitlement, contact lookup and delivery of one reminder.
	Timeout time.Duration
	// WriteTimeout bounds the claim and every store write after delivery.
	// It starts fresh once delivery ends, so a slow gateway cannot strand a claim.
	WriteTimeout time.Duration
	Location     *time.Location
	// Format renders the reminder message. Nil uses DefaultMessage.
	Format func(r reminder.Reminder, loc *time.Location) string
}

// DefaultMessage renders `Reminder: "<title>" at 15:04`.
func DefaultMessage(r reminder.Reminder, loc *time.Location) string {
	at := r.TriggerAt
	if loc != nil {
		at = at.In(loc)
	}
	return fmt.Sprintf("Reminder: %q at %s", r.Title, at.Format("15:04"))
}

// MessageFormat builds a Format from a printf template. The template gets
// the title, then the local HH:MM time when it has a second verb.
// An empty template yields DefaultMessage.
func MessageFormat(tmpl string) func(r reminder.Reminder, loc *time.Location) string {
	if tmpl == "" {
		return DefaultMessage
	}
	verbs := strings.Count(tmpl, "%") - 2*strings.Count(tmpl, "%%")
	return func(r reminder.Reminder, loc *time.Location) string {
		if verbs < 2 {
			return fmt.Sprintf(tmpl, r.Title)
		}
		at := r.TriggerAt
		if loc != nil {
			at = at.In(loc)
		}
		return fmt.Sprintf(tmpl, r.Title, at.Format("15:04"))
	}
}

type Dispatcher struct {
	deps Deps
	log  logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewDispatcher(deps Deps, cfg Config) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{deps: deps, log: log}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Format == nil {
		cfg.Format = DefaultMessage
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Dispatch handles one occurrence of r at now.
//
// It runs detached from ctx cancellation so a stopping scheduler never
// aborts a half-finished occurrence. Config.Timeout bounds delivery and
// Config.WriteTimeout bounds each store phase.
func (d *Dispatcher) Dispatch(ctx context.Context, r reminder.Reminder, now time.Time) Result {
	cfg := d.config()
	start := time.Now()
	res := Result{ReminderID: r.ID, UserID: r.UserID, Occurrence: r.TriggerAt}
	base := context.WithoutCancel(ctx)

	claimCtx, cancelClaim := context.WithTimeout(base, cfg.WriteTimeout)
	claimed, err := d.deps.Store.ClaimReminder(claimCtx, r.ID, now)
	cancelClaim()
	if err != nil || !claimed {
		res.Outcome = OutcomeSkippedClaimed
		if err != nil {
			res.Err = fmt.Errorf("claim %s: %w", r.ID, err)
		}
		res.Took = time.Since(start)
		d.finish(base, cfg, res)
		return res
	}

	sendCtx, cancelSend := context.WithTimeout(base, cfg.Timeout)
	outcome, addr, dec, stepErr := d.deliver(sendCtx, cfg, r, now)
	cancelSend()
	res.Outcome, res.Address = outcome, addr

	writeCtx, cancelWrite := context.WithTimeout(base, cfg.WriteTimeout)
	defer cancelWrite()
	quotaErr := d.settleQuota(writeCtx, r, now, outcome, dec)
	advErr := d.advance(writeCtx, cfg, r, now, &res)
	res.Err = errors.Join(stepErr, quotaErr, advErr)
	res.Took = time.Since(start)

	d.finish(base, cfg, res)
	return res
}

func (d *Dispatcher) finish(base context.Context, cfg Config, res Result) {
	ctx, cancel := context.WithTimeout(base, cfg.WriteTimeout)
	defer cancel()
	d.report(ctx, res)
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, r reminder.Reminder, now time.Time) (Outcome, string, entitlement.Decision, error) {
	dec, err := d.deps.Entitlements.Reserve(ctx, r.UserID, now)
	if err != nil {
		return OutcomeSkippedByPolicy, "", dec, fmt.Errorf("%w: %w", reminder.ErrPolicyDenied, err)
	}
	if !dec.Allowed {
		return OutcomeSkippedByPolicy, "", dec, dec.Err()
	}

	raw, found, err := d.deps.Contacts.ResolveAddress(ctx, r.UserID)
	if err != nil {
		return OutcomeSkippedNoContact, "", dec, fmt.Errorf("%w: %w", reminder.ErrContactMissing, err)
	}
	if !found {
		return OutcomeSkippedNoContact, "", dec, reminder.ErrContactMissing
	}

	addr, err := d.deps.Sender.Deliver(ctx, raw, cfg.Format(r, cfg.Location))
	if err != nil {
		return OutcomeSendFailed, "", dec, err
	}
	return OutcomeSent, addr, dec, nil
}

// settleQuota returns an unused reserved slot, or counts a delivery that
// reserved nothing.
func (d *Dispatcher) settleQuota(ctx context.Context, r reminder.Reminder, now time.Time, outcome Outcome, dec entitlement.Decision) error {
	switch {
	case outcome == OutcomeSent && !dec.Reserved:
		return d.deps.Entitlements.RecordDelivery(ctx, r.UserID, now)
	case outcome != OutcomeSent && dec.Reserved:
		return d.deps.Entitlements.Release(ctx, r.UserID, dec)
	}
	return nil
}

// advance retires a one-shot reminder or moves a recurring one to its next
// occurrence after now. A malformed rule leaves the reminder claimed.
func (d *Dispatcher) advance(ctx context.Context, cfg Config, r reminder.Reminder, now time.Time, res *Result) error {
	if !r.Rule.Recurring() {
		if err := d.deps.Store.MarkDelivered(ctx, r.ID); err != nil {
			return fmt.Errorf("retire %s: %w", r.ID, err)
		}
		res.Retired = true
		return nil
	}
	next, err := reminder.Calculator{Location: cfg.Location}.Next(r.Rule, r.Anchor, r.TriggerAt, now)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", r.ID, err)
	}
	if err := d.deps.Store.Reschedule(ctx, r.ID, next); err != nil {
		return fmt.Errorf("reschedule %s: %w", r.ID, err)
	}
	res.Next = next
	return nil
}

func (d *Dispatcher) report(ctx context.Context, res Result) {
	fields := []logx.Field{
		logx.Reminder(res.ReminderID, res.UserID),
		logx.String("outcome", string(res.Outcome)),
		logx.Duration("took", res.Took),
	}
	if res.Address != "" {
		fields = append(fields, logx.String("addr", res.Address))
	}
	if !res.Next.IsZero() {
		fields = append(fields, logx.Time("next", res.Next))
	}
	if res.Err != nil {
		fields = append(fields, logx.Err(res.Err))
	}

	switch {
	case errors.Is(res.Err, reminder.ErrMalformedScheduleRule):
		d.log.Error("reminder left claimed: bad schedule rule", fields...)
	case res.Outcome == OutcomeSkippedClaimed && res.Err == nil:
		d.log.Debug("reminder already claimed", fields...)
	case res.Outcome == OutcomeSendFailed, res.Outcome == OutcomeSkippedClaimed:
		d.log.Warn("reminder dispatch failed", fields...)
	case res.Err != nil && res.Outcome == OutcomeSent:
		d.log.Warn("reminder sent with errors", fields...)
	default:
		d.log.Info("reminder dispatched", fields...)
	}

	if d.deps.Journal != nil && !(res.Outcome == OutcomeSkippedClaimed && res.Err == nil) {
		rec := storage.DispatchRecord{
			ReminderID: res.ReminderID,
			UserID:     res.UserID,
			Outcome:    string(res.Outcome),
			Address:    res.Address,
			Occurrence: res.Occurrence,
			Next:       res.Next,
			TookMS:     res.Took.Milliseconds(),
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		if res.Retired {
			rec.Meta = map[string]any{"retired": true}
		}
		if err := d.deps.Journal.AppendDispatch(ctx, rec); err != nil {
			d.log.Warn("dispatch log append failed", logx.Reminder(res.ReminderID, res.UserID), logx.Err(err))
		}
	}

	if d.deps.Bus != nil {
		d.deps.Bus.Publish(eventbus.Event{Type: EventDispatched, Data: res})
	}
}
