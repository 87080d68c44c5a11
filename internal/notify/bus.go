// Package notify is the in-process fire-and-forget event bus. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
)

// Publisher is what components depend on to announce changes.
type Publisher interface {
	Publish(ev core.Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(core.Event) {}

type subscription struct {
	ch    chan core.Event
	types map[core.EventType]struct{}
}

func (s *subscription) wants(t core.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	next    uint64
	buffer  int
	dropped atomic.Uint64
	now     func() time.Time
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{subs: make(map[uint64]*subscription), buffer: buffer, now: time.Now}
}

// Publish stamps ev and hands it to every interested subscriber.
func (b *Bus) Publish(ev core.Event) {
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events of the given types (all types when
// none are given) and a cancel func that closes it.
func (b *Bus) Subscribe(types ...core.EventType) (<-chan core.Event, func()) {
	s := &subscription{ch: make(chan core.Event, b.buffer)}
	if len(types) > 0 {
		s.types = make(map[core.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
