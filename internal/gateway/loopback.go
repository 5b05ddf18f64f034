package gateway

import (
	"context"
	"sync"
	"time"

	logx "remindbot/pkg/logx"
)

// Message is a text accepted by the loopback gateway.
type Message struct {
	To   string
	Text string
	At   time.Time
}

// Loopback is an in-process gateway. It records messages instead of sending
// them, which makes it the dry-run driver and the test double.
//
// With no registered addresses every address is reachable.
type Loopback struct {
	tracker *StateTracker
	log     logx.Logger

	mu         sync.Mutex
	registered map[string]bool
	failures   map[string]error
	sent       []Message
	delay      time.Duration
	checks     []string
}

func NewLoopback(tracker *StateTracker, log logx.Logger) *Loopback {
	if tracker == nil {
		tracker = NewStateTracker(nil, log)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loopback{tracker: tracker, log: log, failures: map[string]error{}}
}

func (l *Loopback) SetState(s State) { l.tracker.Set(s) }

// Register restricts reachability to addrs.
func (l *Loopback) Register(addrs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.registered == nil {
		l.registered = map[string]bool{}
	}
	for _, a := range addrs {
		l.registered[a] = true
	}
}

// FailSends makes every send to addr return err.
func (l *Loopback) FailSends(addr string, err error) {
	l.mu.Lock()
	l.failures[addr] = err
	l.mu.Unlock()
}

// SetDelay makes each Send block for d or until its context ends.
func (l *Loopback) SetDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
}

func (l *Loopback) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.sent))
	copy(out, l.sent)
	return out
}

// Checked returns every address passed to IsReachable, in call order.
func (l *Loopback) Checked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.checks...)
}

func (l *Loopback) State(context.Context) State { return l.tracker.Get() }

func (l *Loopback) IsReachable(ctx context.Context, addr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks = append(l.checks, addr)
	if l.registered == nil {
		return true, nil
	}
	return l.registered[addr], nil
}

func (l *Loopback) Send(ctx context.Context, addr, text string) error {
	l.mu.Lock()
	delay := l.delay
	failErr := l.failures[addr]
	l.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if failErr != nil {
		return failErr
	}

	l.mu.Lock()
	l.sent = append(l.sent, Message{To: addr, Text: text, At: time.Now()})
	l.mu.Unlock()
	l.log.Info("loopback message", logx.String("to", addr), logx.Int("len", len(text)))
	return nil
}
