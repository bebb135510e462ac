package sinks

import (
	"context"
	"sync"

	"github.com/vnymr/PASS-ATS-sub004/internal/events"
)

// Broadcaster fans events out to live subscribers keyed by request ID.
// Slow subscribers miss events rather than stall the hub.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[chan events.Event]struct{}
	buffer int
	closed bool
}

// NewBroadcaster creates a Broadcaster with per-subscriber buffers of size buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{subs: make(map[string]map[chan events.Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events for requestID and a cancel func that
// unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(requestID string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	set, ok := b.subs[requestID]
	if !ok {
		set = make(map[chan events.Event]struct{})
		b.subs[requestID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(requestID, ch) })
	}
}

func (b *Broadcaster) remove(requestID string, ch chan events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[requestID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, requestID)
	}
}

// Consume delivers each event to its request's subscribers.
func (b *Broadcaster) Consume(_ context.Context, batch []events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for ch := range b.subs[evt.RequestID] {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, id)
	}
	return nil
}
