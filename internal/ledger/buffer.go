package ledger

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

// pendingEvent is a broker event parked until its prerequisite transition
// arrives.
type pendingEvent struct {
	ev       broker.Event
	enqueued time.Time
}

// eventBuffer holds out-of-sequence broker events for a bounded window.
// Events that outlive the window are dropped and flagged for
// reconciliation through onDrop.
type eventBuffer struct {
	mu      sync.Mutex
	byKey   map[string]*deque.Deque[pendingEvent]
	size    int
	maxSize int
	ttl     time.Duration
	onDrop  func(ev broker.Event, reason string)
}

func newEventBuffer(maxSize int, ttl time.Duration, onDrop func(broker.Event, string)) *eventBuffer {
	if onDrop == nil {
		onDrop = func(broker.Event, string) {}
	}
	return &eventBuffer{
		byKey:   make(map[string]*deque.Deque[pendingEvent]),
		maxSize: maxSize,
		ttl:     ttl,
		onDrop:  onDrop,
	}
}

// add parks an event under the given key, evicting the oldest entry when
// the buffer is full.
func (b *eventBuffer) add(key string, ev broker.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size >= b.maxSize {
		b.evictOldestLocked()
	}

	q, ok := b.byKey[key]
	if !ok {
		q = new(deque.Deque[pendingEvent])
		b.byKey[key] = q
	}
	q.PushBack(pendingEvent{ev: ev, enqueued: time.Now()})
	b.size++

	log.Debug().
		Str("key", key).
		Str("event", string(ev.Type)).
		Int("buffered", b.size).
		Msg("Buffered out-of-sequence broker event")
}

// take removes and returns all events parked under the given keys, in
// arrival order.
func (b *eventBuffer) take(keys ...string) []broker.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []broker.Event
	for _, key := range keys {
		q, ok := b.byKey[key]
		if !ok {
			continue
		}
		for q.Len() > 0 {
			out = append(out, q.PopFront().ev)
			b.size--
		}
		delete(b.byKey, key)
	}
	return out
}

// sweep drops events older than the buffer window.
func (b *eventBuffer) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-b.ttl)
	for key, q := range b.byKey {
		for q.Len() > 0 && q.Front().enqueued.Before(cutoff) {
			pe := q.PopFront()
			b.size--
			b.onDrop(pe.ev, "buffer window expired")
		}
		if q.Len() == 0 {
			delete(b.byKey, key)
		}
	}
}

// evictOldestLocked drops the single oldest buffered event.
func (b *eventBuffer) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for key, q := range b.byKey {
		if q.Len() == 0 {
			continue
		}
		if oldestKey == "" || q.Front().enqueued.Before(oldestTime) {
			oldestKey = key
			oldestTime = q.Front().enqueued
		}
	}
	if oldestKey == "" {
		return
	}

	q := b.byKey[oldestKey]
	pe := q.PopFront()
	b.size--
	if q.Len() == 0 {
		delete(b.byKey, oldestKey)
	}
	b.onDrop(pe.ev, "buffer full")
}

// len reports the number of buffered events.
func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
