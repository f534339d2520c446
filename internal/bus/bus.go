package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace
// filtering. It is the observer surface between the sync engine and UI
// subscribers: handlers receive events in publish order per subscriber.
type Bus struct {
	mu    sync.RWMutex
	subs  map[int]*subscriber
	next  int
	drops atomic.Int64
}

type subscriber struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix
// of event.Kind. Publish never blocks: a subscriber with a full buffer
// misses the event, and the drop counter records it.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				b.drops.Add(1)
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given
// namespace prefix. bufSize controls the channel buffer. Returns the
// channel and an unsubscribe function; the unsubscribe is idempotent.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Drops returns the number of events dropped due to full subscriber
// buffers since the bus was created.
func (b *Bus) Drops() int64 {
	return b.drops.Load()
}
