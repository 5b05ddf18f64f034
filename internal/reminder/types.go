package reminder

import (
	"fmt"
	"strings"
	"time"
)

// Rule is a recurrence rule as stored with the reminder.
//
// Unknown stored values are kept verbatim so they can be reported instead of
// silently rewritten.
type Rule string

const (
	RuleNone    Rule = "none"
	RuleDaily   Rule = "daily"
	RuleWeekly  Rule = "weekly"
	RuleMonthly Rule = "monthly"
	RuleYearly  Rule = "yearly"
)

// ParseRule normalizes a stored rule. Empty means one-shot.
func ParseRule(raw string) (Rule, error) {
	r := Rule(strings.ToLower(strings.TrimSpace(raw)))
	if r == "" {
		return RuleNone, nil
	}
	if !r.Valid() {
		return Rule(raw), fmt.Errorf("%w: %q", ErrMalformedScheduleRule, raw)
	}
	return r, nil
}

func (r Rule) Valid() bool {
	switch r {
	case RuleNone, RuleDaily, RuleWeekly, RuleMonthly, RuleYearly:
		return true
	default:
		return false
	}
}

// Recurring reports whether the rule produces more than one occurrence.
// Unknown rules are treated as recurring so they surface as malformed
// instead of being retired as one-shot.
func (r Rule) Recurring() bool {
	return r != RuleNone && r != ""
}

func (r Rule) String() string { return string(r) }

// Reminder is a scheduled notification owned by a user.
//
// Invariants kept by the dispatch loop:
//   - Delivered implies Rule == RuleNone.
//   - ClaimedAt is set exactly once per occurrence, before any send attempt.
//   - An advanced TriggerAt is strictly after the instant used to compute it.
type Reminder struct {
	ID        string
	UserID    string
	Title     string
	TriggerAt time.Time
	// Anchor is the first trigger of the series. Monthly and yearly
	// occurrences are derived from it so a clamp (Jan 31 -> Feb 28) does
	// not shift later occurrences.
	Anchor    time.Time
	Rule      Rule
	Delivered bool
	ClaimedAt time.Time
	CreatedAt time.Time
}

// Claimed reports whether a dispatcher already owns the current occurrence.
func (r Reminder) Claimed() bool { return !r.ClaimedAt.IsZero() }

// User is the read-only view of a reminder owner.
type User struct {
	ID      string
	Name    string
	Address string
}
