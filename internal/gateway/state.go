package gateway

import (
	"sync"
	"time"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

// StateTracker holds the last observed gateway state and publishes transitions.
type StateTracker struct {
	mu  sync.Mutex
	cur State
	at  time.Time

	bus eventbus.Bus
	log logx.Logger
}

func NewStateTracker(bus eventbus.Bus, log logx.Logger) *StateTracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StateTracker{cur: StateNotConnected, bus: bus, log: log}
}

func (t *StateTracker) Get() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Since returns when the current state was entered (zero before the first change).
func (t *StateTracker) Since() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.at
}

// Set records s and reports whether it differs from the previous state.
func (t *StateTracker) Set(s State) bool {
	now := time.Now()
	t.mu.Lock()
	prev := t.cur
	if prev == s {
		t.mu.Unlock()
		return false
	}
	t.cur = s
	t.at = now
	t.mu.Unlock()

	t.log.Info("gateway state changed", logx.String("from", string(prev)), logx.String("to", string(s)))
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: EventState, Time: now, Data: StateChange{From: prev, To: s, At: now}})
	}
	return true
}
