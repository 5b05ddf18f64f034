package dispatch

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// ErrSequenceConsumed is yielded when a due sequence is ranged over twice.
var ErrSequenceConsumed = errors.New("due sequence already consumed")

const (
	DefaultLookback  = 20 * time.Minute
	DefaultBatchSize = 100
)

// DueSource is the read side of the reminder store.
type DueSource interface {
	DueReminders(ctx context.Context, from, to time.Time, after storage.Cursor, limit int) ([]reminder.Reminder, error)
}

type ScannerConfig struct {
	Lookback  time.Duration
	BatchSize int
}

// Scanner selects undelivered, unclaimed reminders whose trigger falls in
// [now-lookback, now]. Older reminders are treated as missed.
type Scanner struct {
	src DueSource
	log logx.Logger

	lookback atomic.Int64
	batch    atomic.Int64
}

func NewScanner(src DueSource, cfg ScannerConfig, log logx.Logger) *Scanner {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scanner{src: src, log: log}
	s.Apply(cfg)
	return s
}

// Apply updates the window and page size for later scans.
func (s *Scanner) Apply(cfg ScannerConfig) {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	s.lookback.Store(int64(cfg.Lookback))
	s.batch.Store(int64(cfg.BatchSize))
}

func (s *Scanner) Lookback() time.Duration { return time.Duration(s.lookback.Load()) }

// Due returns a lazy, one-shot sequence of due reminders ordered by
// (trigger, id). Pages are fetched on demand; a store error or context
// cancellation is yielded once and ends the sequence.
func (s *Scanner) Due(ctx context.Context, now time.Time) iter.Seq2[reminder.Reminder, error] {
	from := now.Add(-s.Lookback())
	batch := int(s.batch.Load())
	var used atomic.Bool

	return func(yield func(reminder.Reminder, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(reminder.Reminder{}, ErrSequenceConsumed)
			return
		}
		var cur storage.Cursor
		pages := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(reminder.Reminder{}, err)
				return
			}
			page, err := s.src.DueReminders(ctx, from, now, cur, batch)
			if err != nil {
				yield(reminder.Reminder{}, err)
				return
			}
			pages++
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < batch {
				s.log.Debug("due scan done", logx.Int("pages", pages), logx.Time("from", from), logx.Time("to", now))
				return
			}
			last := page[len(page)-1]
			cur = storage.Cursor{TriggerAt: last.TriggerAt, ID: last.ID}
		}
	}
}
