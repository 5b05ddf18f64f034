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

// RenewalSummary counts one renewal notice run.
type RenewalSummary struct {
	Candidates int
	Sent       int
	// Marked counts users marked notified without a message: their plan
	// no longer has a cap, or their number is not reachable.
	Marked int
	Failed int
}

// RenewalNotice tells users who hit their monthly cap last period that the
// quota has renewed, including users who already sent reminders this period. Every handled user is marked for the current period,
// so a retried run only picks up the ones that failed.
func (j *Jobs) RenewalNotice(ctx context.Context) error {
	_, err := j.RunRenewalNotice(ctx)
	return err
}

func (j *Jobs) RunRenewalNotice(ctx context.Context) (RenewalSummary, error) {
	var sum RenewalSummary
	loc := j.location()
	now := j.deps.Now()
	prev, cur := entitlement.PreviousPeriod(now, loc), entitlement.Period(now, loc)

	// The counter itself may already have rolled over to cur by now.
	usage, err := j.deps.Store.CappedInPeriod(ctx, prev)
	if err != nil {
		return sum, fmt.Errorf("renewal: list capped %s: %w", prev, err)
	}

	var errs []error
	mark := func(userID string) {
		if err := j.deps.Store.MarkRenewalNotified(ctx, userID, cur); err != nil {
			errs = append(errs, fmt.Errorf("mark %s: %w", userID, err))
		}
	}
	for _, u := range usage {
		if u.NotifiedPeriod == cur {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		_, pol, err := j.deps.Entitlements.PolicyFor(ctx, u.UserID)
		if err != nil {
			errs = append(errs, err)
			sum.Failed++
			continue
		}
		if pol.MonthlyCap <= 0 {
			mark(u.UserID)
			sum.Marked++
			continue
		}
		sum.Candidates++

		addr, ok, err := j.deps.Contacts.ResolveAddress(ctx, u.UserID)
		if err != nil {
			errs = append(errs, err)
			sum.Failed++
			continue
		}
		if !ok {
			mark(u.UserID)
			sum.Marked++
			continue
		}
		name := ""
		if usr, found, err := j.deps.Store.GetUser(ctx, u.UserID); err == nil && found {
			name = usr.Name
		}
		if _, err := j.deps.Sender.Deliver(ctx, addr, RenewalMessage(name, pol.MonthlyCap)); err != nil {
			switch {
			case errors.Is(err, reminder.ErrGatewayDisconnected):
				return sum, engine.NoRetry(fmt.Errorf("renewal: %w", err))
			case errors.Is(err, reminder.ErrDeliveryUnreachable):
				mark(u.UserID)
				sum.Marked++
			default:
				j.log.Warn("renewal notice send failed", logx.String("user", u.UserID), logx.Err(err))
				errs = append(errs, err)
				sum.Failed++
			}
			continue
		}
		mark(u.UserID)
		sum.Sent++
	}

	if sum.Candidates > 0 || len(errs) > 0 {
		j.log.Info("renewal notice done",
			logx.String("period", cur),
			logx.Int("candidates", sum.Candidates),
			logx.Int("sent", sum.Sent),
			logx.Int("marked", sum.Marked),
			logx.Int("failed", sum.Failed),
		)
	}
	if len(errs) > 0 {
		return sum, fmt.Errorf("renewal: %w", errors.Join(errs...))
	}
	return sum, nil
}

func RenewalMessage(name string, monthlyCap int) string {
	first, _, _ := strings.Cut(strings.TrimSpace(name), " ")
	if first == "" {
		first = "there"
	}
	return fmt.Sprintf("Hi, %s! Your monthly quota has renewed: %d reminders are available again this month.", first, monthlyCap)
}
