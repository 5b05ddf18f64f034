package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	logx "remindbot/pkg/logx"
)

const DefaultWorkers = 4

// TickSummary aggregates one poll tick.
type TickSummary struct {
	ID       string          `json:"id"`
	Started  time.Time       `json:"started"`
	Took     time.Duration   `json:"took"`
	Scanned  int             `json:"scanned"`
	Outcomes map[Outcome]int `json:"outcomes"`
	Errors   int             `json:"errors"`
	// Abandoned counts due reminders left unclaimed because the tick was cancelled.
	Abandoned int    `json:"abandoned"`
	ScanError string `json:"scan_error,omitempty"`
}

// Runner executes poll ticks: one scan, then a bounded pool of dispatches.
type Runner struct {
	scanner *Scanner
	disp    *Dispatcher
	log     logx.Logger

	workers atomic.Int64

	mu   sync.RWMutex
	last TickSummary
}

func NewRunner(scanner *Scanner, disp *Dispatcher, workers int, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{scanner: scanner, disp: disp, log: log}
	r.SetWorkers(workers)
	return r
}

func (r *Runner) SetWorkers(n int) {
	if n <= 0 {
		n = DefaultWorkers
	}
	r.workers.Store(int64(n))
}

// Last returns the summary of the most recent completed tick.
func (r *Runner) Last() TickSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Tick scans for reminders due at now and dispatches them. Once ctx is
// cancelled no further reminders are claimed; dispatches already started
// run to completion. The returned error is the scan error, if any.
func (r *Runner) Tick(ctx context.Context, now time.Time) (TickSummary, error) {
	sum := TickSummary{Started: time.Now(), Outcomes: map[Outcome]int{}}
	if id, err := uuid.NewV7(); err == nil {
		sum.ID = id.String()
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		scanErr error
	)
	g.SetLimit(int(r.workers.Load()))

	for rem, err := range r.scanner.Due(ctx, now) {
		if err != nil {
			scanErr = err
			break
		}
		sum.Scanned++
		if ctx.Err() != nil {
			sum.Abandoned++
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				sum.Abandoned++
				mu.Unlock()
				return nil
			}
			res := r.disp.Dispatch(ctx, rem, now)
			mu.Lock()
			sum.Outcomes[res.Outcome]++
			if res.Err != nil && res.Outcome != OutcomeSkippedByPolicy && res.Outcome != OutcomeSkippedNoContact {
				sum.Errors++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sum.Took = time.Since(sum.Started)
	if scanErr != nil && !errors.Is(scanErr, context.Canceled) {
		sum.ScanError = scanErr.Error()
	}

	r.mu.Lock()
	r.last = sum
	r.mu.Unlock()

	if sum.Scanned > 0 || scanErr != nil {
		r.log.Info("dispatch tick done",
			logx.String("tick", sum.ID),
			logx.Int("scanned", sum.Scanned),
			logx.Int("sent", sum.Outcomes[OutcomeSent]),
			logx.Int("errors", sum.Errors),
			logx.Int("abandoned", sum.Abandoned),
			logx.Duration("took", sum.Took),
		)
	}
	return sum, scanErr
}
