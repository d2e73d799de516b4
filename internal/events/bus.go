package events

import (
	"log"
	"sync"
)

// Bus is an in-process pub/sub channel for engine and job events. Publishers
// never block: if a subscriber's buffer is full the event is dropped for that
// subscriber and logged, which keeps a stalled consumer from backing up the
// render path.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Message
	nextID int
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]chan Message),
		buffer: buffer,
	}
}

// Subscribe registers a consumer. The returned cancel func must be called to
// release the subscription; the channel is closed by cancel or bus Close.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Message, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish fans the message out to all subscribers without blocking.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			log.Printf("events: dropping %s event, subscriber buffer full", msg.Type)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
