package entitlement

import (
	"context"
	"strings"
	"time"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPlus    Plan = "plus"
	PlanPremium Plan = "premium"
)

// Policy is what a plan grants. MonthlyCap 0 means unlimited.
type Policy struct {
	Deliver    bool
	MonthlyCap int
}

// Table maps plans to policies. Plans missing from the table are treated as free.
type Table map[Plan]Policy

// DefaultTable is the stock plan matrix: free gets no delivery, plus is
// capped per calendar month, premium is unlimited.
func DefaultTable() Table {
	return Table{
		PlanFree:    {Deliver: false},
		PlanPlus:    {Deliver: true, MonthlyCap: 30},
		PlanPremium: {Deliver: true},
	}
}

func (t Table) policy(p Plan) Policy {
	if pol, ok := t[p]; ok {
		return pol
	}
	return t[PlanFree]
}

// Subscription is the billing view of a user, owned by an external system.
type Subscription struct {
	UserID string
	Plan   Plan
	Status string
}

// EffectivePlan returns the plan the subscription currently grants.
// Only active or trialing subscriptions grant their plan.
func (s Subscription) EffectivePlan() Plan {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "active", "trialing":
	default:
		return PlanFree
	}
	p := Plan(strings.ToLower(strings.TrimSpace(string(s.Plan))))
	switch p {
	case PlanPlus, PlanPremium:
		return p
	default:
		return PlanFree
	}
}

// Usage is the per-user delivery counter for one period.
type Usage struct {
	UserID string
	Count  int
	Period string
	// NotifiedPeriod is the last period for which a quota-renewal notice was sent.
	NotifiedPeriod string
	// CappedPeriod is the last period in which the counter reached the plan cap.
	// It survives the reset of Count, unlike Period.
	CappedPeriod string
}

// Store is the persistence the resolver needs.
type Store interface {
	GetSubscription(ctx context.Context, userID string) (Subscription, bool, error)
	GetUsage(ctx context.Context, userID string) (Usage, bool, error)
	// IncrementUsage atomically bumps the counter for period, resetting it to 1
	// when the stored period differs. It returns the new count.
	IncrementUsage(ctx context.Context, userID, period string) (int, error)
	// ReserveUsage takes one of limit slots for period in a single atomic
	// update. A counter from another period restarts at 1. It reports false,
	// with the count unchanged, when period is already at limit. Taking the
	// last slot stamps CappedPeriod.
	ReserveUsage(ctx context.Context, userID, period string, limit int) (int, bool, error)
	// ReleaseUsage gives back a slot taken in period. Other periods are untouched.
	ReleaseUsage(ctx context.Context, userID, period string) error
}

// Decision explains a CanDeliver answer.
type Decision struct {
	Allowed bool
	Plan    Plan
	Used    int
	Cap     int
	Reason  string
	// Reserved is set by Reserve when a quota slot was taken for Period.
	Reserved bool
	Period   string
}

const (
	ReasonPlan        = "plan_excludes_delivery"
	ReasonQuota       = "monthly_quota_reached"
	ReasonLookupError = "lookup_failed"
)

// Period returns the calendar-month period key for t in loc.
func Period(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2006-01")
}

// PreviousPeriod returns the period key for the month before t.
func PreviousPeriod(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return first.AddDate(0, -1, 0).Format("2006-01")
}
