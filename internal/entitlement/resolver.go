package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Resolver answers "may this user receive a reminder now?" and counts
// deliveries against the user's monthly quota.
//
// CanDeliver is a read-only answer. Dispatch uses Reserve, which takes the
// quota slot in the same store update that checks the cap, so concurrent
// dispatches for one user never exceed it.
type Resolver struct {
	store Store
	log   logx.Logger

	mu    sync.RWMutex
	table Table
	loc   *time.Location
}

func NewResolver(store Store, table Table, loc *time.Location, log logx.Logger) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{store: store, table: table, loc: loc, log: log}
}

// Apply swaps the plan table and timezone at runtime.
func (r *Resolver) Apply(table Table, loc *time.Location) {
	r.mu.Lock()
	if table != nil {
		r.table = table
	}
	if loc != nil {
		r.loc = loc
	}
	r.mu.Unlock()
}

func (r *Resolver) snapshot() (Table, *time.Location) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table, r.loc
}

// PolicyFor returns the plan and policy currently granted to userID.
func (r *Resolver) PolicyFor(ctx context.Context, userID string) (Plan, Policy, error) {
	table, _ := r.snapshot()
	sub, found, err := r.store.GetSubscription(ctx, userID)
	if err != nil {
		return PlanFree, table.policy(PlanFree), fmt.Errorf("lookup subscription %s: %w", userID, err)
	}
	plan := PlanFree
	if found {
		plan = sub.EffectivePlan()
	}
	return plan, table.policy(plan), nil
}

// CanDeliver decides whether userID may receive a reminder at now.
// Lookup failures deny.
func (r *Resolver) CanDeliver(ctx context.Context, userID string, now time.Time) (Decision, error) {
	plan, pol, err := r.PolicyFor(ctx, userID)
	if err != nil {
		r.log.Warn("entitlement lookup failed; denying", logx.String("user", userID), logx.Err(err))
		return Decision{Plan: plan, Reason: ReasonLookupError}, err
	}
	d := Decision{Plan: plan, Cap: pol.MonthlyCap}
	if !pol.Deliver {
		d.Reason = ReasonPlan
		return d, nil
	}
	if pol.MonthlyCap <= 0 {
		d.Allowed = true
		return d, nil
	}

	_, loc := r.snapshot()
	u, found, err := r.store.GetUsage(ctx, userID)
	if err != nil {
		r.log.Warn("usage lookup failed; denying", logx.String("user", userID), logx.Err(err))
		d.Reason = ReasonLookupError
		return d, fmt.Errorf("lookup usage %s: %w", userID, err)
	}
	// A counter from an earlier period reads as zero; the store resets it on the next increment.
	if found && u.Period == Period(now, loc) {
		d.Used = u.Count
	}
	if d.Used >= pol.MonthlyCap {
		d.Reason = ReasonQuota
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

// Reserve is CanDeliver that also takes a quota slot when the plan is capped.
// A reserved slot must be given back with Release if nothing is delivered.
// Uncapped plans reserve nothing; count them with RecordDelivery.
func (r *Resolver) Reserve(ctx context.Context, userID string, now time.Time) (Decision, error) {
	plan, pol, err := r.PolicyFor(ctx, userID)
	if err != nil {
		r.log.Warn("entitlement lookup failed; denying", logx.String("user", userID), logx.Err(err))
		return Decision{Plan: plan, Reason: ReasonLookupError}, err
	}
	d := Decision{Plan: plan, Cap: pol.MonthlyCap}
	if !pol.Deliver {
		d.Reason = ReasonPlan
		return d, nil
	}
	if pol.MonthlyCap <= 0 {
		d.Allowed = true
		return d, nil
	}

	_, loc := r.snapshot()
	d.Period = Period(now, loc)
	n, ok, err := r.store.ReserveUsage(ctx, userID, d.Period, pol.MonthlyCap)
	if err != nil {
		r.log.Warn("quota reservation failed; denying", logx.String("user", userID), logx.Err(err))
		d.Reason = ReasonLookupError
		return d, fmt.Errorf("reserve usage %s: %w", userID, err)
	}
	d.Used = n
	if !ok {
		d.Reason = ReasonQuota
		return d, nil
	}
	d.Allowed, d.Reserved = true, true
	return d, nil
}

// Release gives back the slot taken by a Reserve that ended without a delivery.
func (r *Resolver) Release(ctx context.Context, userID string, d Decision) error {
	if !d.Reserved {
		return nil
	}
	if err := r.store.ReleaseUsage(ctx, userID, d.Period); err != nil {
		return fmt.Errorf("release usage %s: %w", userID, err)
	}
	r.log.Debug("quota slot released", logx.String("user", userID), logx.String("period", d.Period))
	return nil
}

// RecordDelivery counts one confirmed delivery for userID in the period of now.
func (r *Resolver) RecordDelivery(ctx context.Context, userID string, now time.Time) error {
	_, loc := r.snapshot()
	n, err := r.store.IncrementUsage(ctx, userID, Period(now, loc))
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", userID, err)
	}
	r.log.Debug("delivery recorded", logx.String("user", userID), logx.Int("count", n))
	return nil
}

// Err converts a negative decision into the dispatch error kind.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: plan=%s reason=%s used=%d cap=%d", reminder.ErrPolicyDenied, d.Plan, d.Reason, d.Used, d.Cap)
}

// Table returns the active plan table.
func (r *Resolver) Table() Table {
	t, _ := r.snapshot()
	return t
}

// Location returns the timezone used for period boundaries.
func (r *Resolver) Location() *time.Location {
	_, loc := r.snapshot()
	return loc
}
