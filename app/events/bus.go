package events

import (
	"log"
	"sync"
	"time"
)

// Publisher accepts ledger events
type Publisher interface {
	Publish(ev Event)
}

// Bus fans ledger events out to in-process listeners and channel subscribers.
// Listeners run synchronously inside Publish; channel subscribers that fall
// behind are dropped.
type Bus struct {
	mu          sync.Mutex
	listeners   []func(Event)
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
}

// NewBus creates a bus whose subscriber channels hold bufferSize events
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
	}
}

// Listen registers a synchronous listener
func (b *Bus) Listen(fn func(Event)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Subscribe returns a channel of events and a function that unsubscribes.
// The channel is closed when the subscription ends.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			close(sub)
			delete(b.subscribers, id)
		}
	}
}

// SubscriberCount returns the number of channel subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Publish delivers ev to every listener and subscriber
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	listeners := make([]func(Event), len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			log.Printf("EventBus: subscriber %d is not keeping up, dropping it", id)
			close(ch)
			delete(b.subscribers, id)
		}
	}
}
