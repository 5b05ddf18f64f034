package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"remindbot/internal/entitlement"
	"remindbot/internal/reminder"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

// TipsSummary counts one tips run.
type TipsSummary struct {
	Subscribers int
	Sent        int
	Skipped     int
	Failed      int
}

// PremiumTips nudges premium subscribers to plan their reminders. The text
// depends on the local hour; hours without a tip send nothing.
func (j *Jobs) PremiumTips(ctx context.Context) error {
	_, err := j.RunPremiumTips(ctx)
	return err
}

func (j *Jobs) RunPremiumTips(ctx context.Context) (TipsSummary, error) {
	var sum TipsSummary
	hour := j.deps.Now().In(j.location()).Hour()
	if TipMessage("", hour) == "" {
		j.log.Debug("no tip for this hour", logx.Int("hour", hour))
		return sum, nil
	}

	subs, err := j.deps.Store.Subscribers(ctx, entitlement.PlanPremium)
	if err != nil {
		return sum, fmt.Errorf("tips: list subscribers: %w", err)
	}
	sum.Subscribers = len(subs)

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		u, found, err := j.deps.Store.GetUser(ctx, sub.UserID)
		if err != nil {
			j.log.Warn("tips user lookup failed", logx.String("user", sub.UserID), logx.Err(err))
			sum.Failed++
			continue
		}
		if !found {
			sum.Skipped++
			continue
		}
		addr, ok, err := j.recipient(ctx, sub.UserID)
		if err != nil {
			j.log.Warn("tips recipient lookup failed", logx.String("user", sub.UserID), logx.Err(err))
			sum.Failed++
			continue
		}
		if !ok {
			sum.Skipped++
			continue
		}
		if _, err := j.deps.Sender.Deliver(ctx, addr, TipMessage(u.Name, hour)); err != nil {
			if errors.Is(err, reminder.ErrGatewayDisconnected) {
				return sum, engine.NoRetry(fmt.Errorf("tips: %w", err))
			}
			j.log.Warn("tip send failed", logx.String("user", sub.UserID), logx.Err(err))
			sum.Failed++
			continue
		}
		sum.Sent++
	}

	j.log.Info("premium tips done",
		logx.Int("hour", hour),
		logx.Int("subscribers", sum.Subscribers),
		logx.Int("sent", sum.Sent),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
	)
	return sum, nil
}

// TipMessage returns the tip for hour, or "" when that hour has none.
func TipMessage(name string, hour int) string {
	first, _, _ := strings.Cut(strings.TrimSpace(name), " ")
	if first == "" {
		first = "there"
	}
	switch hour {
	case 8:
		return fmt.Sprintf("Good morning, %s! Start the day by creating your important reminders.", first)
	case 12:
		return fmt.Sprintf("Hey %s, lunch time! Want a reminder so you don't skip that break?", first)
	case 16:
		return fmt.Sprintf("Good afternoon, %s! Coffee break: a good moment to set up a reminder.", first)
	case 18:
		return fmt.Sprintf("The day is wrapping up, %s! How about scheduling tomorrow's important reminders?", first)
	case 21:
		return fmt.Sprintf("Time to relax, %s! Anything to note down so you don't forget it tomorrow?", first)
	}
	return ""
}
