package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// firstRunSchedule overrides the first activation of a base schedule.
type firstRunSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *firstRunSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// spreadSchedule delays the first run of an interval by up to
// min(every, maxStartupSpread), seeded per schedule name.
func spreadSchedule(every time.Duration, now time.Time, name string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
	return &firstRunSchedule{base: base, first: now.Add(every + time.Duration(rng.Int64N(int64(spread))))}
}
