package jobs

import (
	"time"

	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
)

// Schedule binds jobs to triggers. Empty DigestAt, ResetNotice or Tips
// disables that job.
type Schedule struct {
	DispatchEvery string
	DigestAt      string
	ResetNotice   string
	Tips          string
	Timeout       time.Duration
}

// Register installs (or replaces) every job on s. Calling it again with a
// changed Schedule updates the triggers in place.
func (j *Jobs) Register(s *scheduler.Service, sc Schedule) error {
	if err := s.AddSchedule(NameDispatch, sc.DispatchEvery, sc.Timeout, j.DispatchDue); err != nil {
		return err
	}

	if sc.DigestAt == "" {
		s.Remove(NameDigest)
	} else {
		// A retry would resend digests that already went out.
		opt := scheduler.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}
		if err := s.AddDailyOpt(NameDigest, sc.DigestAt, sc.Timeout, opt, j.Digest); err != nil {
			return err
		}
	}

	if sc.Tips == "" {
		s.Remove(NameTips)
	} else {
		opt := scheduler.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}
		if err := s.AddCronOpt(NameTips, sc.Tips, sc.Timeout, opt, j.PremiumTips); err != nil {
			return err
		}
	}

	if sc.ResetNotice == "" {
		s.Remove(NameRenewal)
		return nil
	}
	return s.AddCron(NameRenewal, sc.ResetNotice, sc.Timeout, j.RenewalNotice)
}

// CatchUp queues one immediate dispatch tick, used when the gateway comes
// back so reminders due during the outage inside the lookback go out now.
func (j *Jobs) CatchUp(s *scheduler.Service, timeout time.Duration) error {
	return s.AddOnce(NameCatchUp, j.deps.Now(), timeout, j.DispatchDue)
}
