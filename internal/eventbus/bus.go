// Package eventbus is the in-process fanout used for gateway state
// transitions, dispatch results and task lifecycle events.
package eventbus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published signal. Data should stay small; the status
// surface may serialize it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks the publisher. A subscriber whose buffer is full misses
// the event and the drop is counted.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Stats is implemented by the buses returned from New.
type Stats interface {
	Published() uint64
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.offer(ch, e)
	}
}

// offer recovers from a send on a channel closed by a concurrent unsubscribe.
func (b *memBus) offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *memBus) Published() uint64 { return b.published.Load() }
func (b *memBus) Dropped() uint64   { return b.dropped.Load() }

// Consume calls fn for every event whose type is in types (all events when
// types is empty) until ctx ends. fn runs on the calling goroutine.
func Consume(ctx context.Context, bus Bus, buffer int, fn func(Event), types ...string) {
	ch, unsub := bus.Subscribe(buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(types) == 0 || slices.Contains(types, e.Type) {
				fn(e)
			}
		}
	}
}
