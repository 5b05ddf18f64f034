package reminder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func TestNextTrigger(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rule Rule
		prev string
		now  string
		want string
	}{
		{"daily next day", RuleDaily, "2024-03-10T09:00:00Z", "2024-03-10T09:00:30Z", "2024-03-11T09:00:00Z"},
		{"weekly catch up after three weeks", RuleWeekly, "2024-01-01T09:00:00Z", "2024-01-22T10:00:00Z", "2024-01-29T09:00:00Z"},
		{"weekly now on occurrence is skipped", RuleWeekly, "2024-01-01T09:00:00Z", "2024-01-22T09:00:00Z", "2024-01-29T09:00:00Z"},
		{"monthly clamps to leap day", RuleMonthly, "2024-01-31T09:00:00Z", "2024-01-31T09:01:00Z", "2024-02-29T09:00:00Z"},
		{"monthly clamps to feb 28", RuleMonthly, "2023-01-31T09:00:00Z", "2023-01-31T09:01:00Z", "2023-02-28T09:00:00Z"},
		{"monthly from clamped day keeps day", RuleMonthly, "2024-02-29T09:00:00Z", "2024-02-29T09:01:00Z", "2024-03-29T09:00:00Z"},
		{"monthly catch up", RuleMonthly, "2024-01-15T08:00:00Z", "2024-05-20T00:00:00Z", "2024-06-15T08:00:00Z"},
		{"yearly from leap day", RuleYearly, "2024-02-29T12:00:00Z", "2024-02-29T12:00:01Z", "2025-02-28T12:00:00Z"},
		{"daily prev in future", RuleDaily, "2024-03-12T09:00:00Z", "2024-03-10T09:00:00Z", "2024-03-13T09:00:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextTrigger(tc.rule, at(t, tc.prev), at(t, tc.now))
			require.NoError(t, err)
			assert.True(t, got.Equal(at(t, tc.want)), "got %s want %s", got, tc.want)
		})
	}
}

func TestNextTriggerAnchoredKeepsDayAfterClamp(t *testing.T) {
	t.Parallel()

	anchor := at(t, "2024-01-31T09:00:00Z")
	prev := at(t, "2024-02-29T09:00:00Z")

	got, err := NextTriggerAnchored(RuleMonthly, anchor, prev, prev)
	require.NoError(t, err)
	assert.Equal(t, at(t, "2024-03-31T09:00:00Z"), got)

	got, err = NextTriggerAnchored(RuleMonthly, anchor, at(t, "2024-03-31T09:00:00Z"), at(t, "2024-03-31T09:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, at(t, "2024-04-30T09:00:00Z"), got)
}

func TestNextTriggerAnchoredYearlyReturnsToLeapDay(t *testing.T) {
	t.Parallel()

	anchor := at(t, "2024-02-29T12:00:00Z")
	prev := at(t, "2027-02-28T12:00:00Z")

	got, err := NextTriggerAnchored(RuleYearly, anchor, prev, prev)
	require.NoError(t, err)
	assert.Equal(t, at(t, "2028-02-29T12:00:00Z"), got)
}

func TestCalculatorKeepsWallClockAcrossDST(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	c := Calculator{Location: ny}

	prev := time.Date(2024, 3, 9, 9, 0, 0, 0, ny)
	got, err := c.Next(RuleDaily, prev, prev, prev.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 9, 0, 0, 0, ny), got)
	assert.Equal(t, 23*time.Hour, got.Sub(prev))
}

func TestNextTriggerAlwaysAfterNowAndPrev(t *testing.T) {
	t.Parallel()

	prev := at(t, "2024-01-31T23:30:00Z")
	for _, rule := range []Rule{RuleDaily, RuleWeekly, RuleMonthly, RuleYearly} {
		for _, lag := range []time.Duration{0, time.Hour, 24 * time.Hour, 40 * 24 * time.Hour, 800 * 24 * time.Hour} {
			now := prev.Add(lag)
			got, err := NextTrigger(rule, prev, now)
			require.NoError(t, err)
			assert.True(t, got.After(now), "%s lag=%s got=%s", rule, lag, got)
			assert.True(t, got.After(prev), "%s lag=%s got=%s", rule, lag, got)
		}
	}
}

func TestNextTriggerRejectsBadRules(t *testing.T) {
	t.Parallel()

	now := at(t, "2024-01-01T00:00:00Z")

	_, err := NextTrigger(Rule("fortnightly"), now, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedScheduleRule))

	_, err = NextTrigger(RuleNone, now, now)
	assert.ErrorIs(t, err, ErrNotRecurring)

	_, err = NextTrigger(RuleDaily, time.Time{}, now)
	assert.ErrorIs(t, err, ErrMalformedScheduleRule)
}

func TestParseRule(t *testing.T) {
	t.Parallel()

	r, err := ParseRule(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, RuleWeekly, r)

	r, err = ParseRule("")
	require.NoError(t, err)
	assert.Equal(t, RuleNone, r)
	assert.False(t, r.Recurring())

	r, err = ParseRule("Quinzenal")
	assert.ErrorIs(t, err, ErrMalformedScheduleRule)
	assert.Equal(t, Rule("Quinzenal"), r)
	assert.True(t, r.Recurring())
}
