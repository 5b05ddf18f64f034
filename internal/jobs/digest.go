package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

// DigestSummary counts one digest run.
type DigestSummary struct {
	Users   int
	Sent    int
	Skipped int
	Failed  int
}

// Digest sends every user with reminders today one summary message.
// Digests go through the entitlement, contact and delivery path but never
// consume quota. Send failures are logged and not retried so nobody gets
// the same digest twice.
func (j *Jobs) Digest(ctx context.Context) error {
	_, err := j.RunDigest(ctx)
	return err
}

func (j *Jobs) RunDigest(ctx context.Context) (DigestSummary, error) {
	var sum DigestSummary
	loc := j.location()
	from, to := dayWindow(j.deps.Now(), loc)

	rs, err := j.deps.Store.UpcomingReminders(ctx, from, to)
	if err != nil {
		return sum, fmt.Errorf("digest: list reminders: %w", err)
	}
	byUser := map[string][]reminder.Reminder{}
	var order []string
	for _, r := range rs {
		if _, seen := byUser[r.UserID]; !seen {
			order = append(order, r.UserID)
		}
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	sum.Users = len(order)

	for _, userID := range order {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		addr, ok, err := j.recipient(ctx, userID)
		if err != nil {
			j.log.Warn("digest recipient lookup failed", logx.String("user", userID), logx.Err(err))
			sum.Failed++
			continue
		}
		if !ok {
			sum.Skipped++
			continue
		}
		name := ""
		if u, found, err := j.deps.Store.GetUser(ctx, userID); err == nil && found {
			name = u.Name
		}
		text := DigestMessage(name, byUser[userID], loc)
		if _, err := j.deps.Sender.Deliver(ctx, addr, text); err != nil {
			if errors.Is(err, reminder.ErrGatewayDisconnected) {
				return sum, engine.NoRetry(fmt.Errorf("digest: %w", err))
			}
			j.log.Warn("digest send failed", logx.String("user", userID), logx.Err(err))
			sum.Failed++
			continue
		}
		sum.Sent++
	}

	j.log.Info("digest done",
		logx.Int("users", sum.Users),
		logx.Int("sent", sum.Sent),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
	)
	return sum, nil
}

// DigestMessage renders the morning summary. Reminders are listed by time.
func DigestMessage(name string, rs []reminder.Reminder, loc *time.Location) string {
	rs = slices.Clone(rs)
	slices.SortFunc(rs, func(a, b reminder.Reminder) int { return a.TriggerAt.Compare(b.TriggerAt) })

	first, _, _ := strings.Cut(strings.TrimSpace(name), " ")
	if first == "" {
		first = "there"
	}
	noun := "reminders"
	if len(rs) == 1 {
		noun = "reminder"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Good morning, %s! You have %d %s today:\n\n", first, len(rs), noun)
	for _, r := range rs {
		fmt.Fprintf(&b, "- [%s] %s\n", r.TriggerAt.In(loc).Format("15:04"), r.Title)
	}
	b.WriteString("\nOpen the app for details.")
	return b.String()
}

// dayWindow returns [midnight, next midnight) of now's calendar day in loc.
func dayWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	t := now.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
