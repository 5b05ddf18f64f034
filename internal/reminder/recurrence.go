package reminder

import (
	"fmt"
	"time"
)

// Calculator computes next triggers with calendar arithmetic in Location.
// A nil Location uses the location carried by the inputs.
type Calculator struct {
	Location *time.Location
}

// NextTrigger returns the first occurrence after prev that is strictly after now,
// using prev as the series anchor.
func NextTrigger(rule Rule, prev, now time.Time) (time.Time, error) {
	return Calculator{}.Next(rule, prev, prev, now)
}

// NextTriggerAnchored is NextTrigger for a series that started at anchor.
func NextTriggerAnchored(rule Rule, anchor, prev, now time.Time) (time.Time, error) {
	return Calculator{}.Next(rule, anchor, prev, now)
}

// Next returns the first occurrence of the series started at anchor that is
// strictly after both prev and now. Occurrences missed while the process was
// down are skipped, never replayed.
func (c Calculator) Next(rule Rule, anchor, prev, now time.Time) (time.Time, error) {
	if prev.IsZero() {
		return time.Time{}, fmt.Errorf("%w: previous trigger is zero", ErrMalformedScheduleRule)
	}
	if c.Location != nil {
		prev = prev.In(c.Location)
		anchor = anchor.In(c.Location)
	}
	if anchor.IsZero() || anchor.After(prev) {
		anchor = prev
	}

	bound := prev
	if now.After(bound) {
		bound = now
	}

	var (
		occ func(k int) time.Time
		est int
	)
	switch rule {
	case RuleDaily, RuleWeekly:
		days := 1
		if rule == RuleWeekly {
			days = 7
		}
		occ = func(k int) time.Time { return anchor.AddDate(0, 0, k*days) }
		est = int(bound.Sub(anchor) / (time.Duration(days) * 24 * time.Hour))
	case RuleMonthly, RuleYearly:
		months := 1
		if rule == RuleYearly {
			months = 12
		}
		occ = func(k int) time.Time { return addMonthsClamped(anchor, k*months) }
		est = monthsBetween(anchor, bound.In(anchor.Location())) / months
	case RuleNone:
		return time.Time{}, ErrNotRecurring
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedScheduleRule, string(rule))
	}

	// est lands within one step of the answer; walk to the exact index.
	k := est - 1
	if k < 1 {
		k = 1
	}
	for k > 1 && occ(k-1).After(bound) {
		k--
	}
	for !occ(k).After(bound) {
		k++
	}
	return occ(k), nil
}

// addMonthsClamped moves t by n calendar months keeping the wall clock and
// clamping the day to the last day of the target month.
func addMonthsClamped(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	day := t.Day()
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}
