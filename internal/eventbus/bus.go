// Package eventbus is an in-memory, non-blocking fan-out of domain events.
// Slow subscribers drop events rather than stall publishers.
package eventbus

import (
	"sync"
	"time"
)

// Event types.
const (
	DispatchNotified      = "dispatch.notified"
	DispatchDuplicate     = "dispatch.duplicate"
	DispatchFailed        = "dispatch.failed"
	DispatchMalformed     = "dispatch.malformed"
	DispatchPersistFailed = "dispatch.persist_failed"
	LifecycleState        = "lifecycle.state"
	ConfigReloaded        = "config.reloaded"
)

// Event should carry small, JSON-friendly data.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.offer(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
