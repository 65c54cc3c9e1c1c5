// Package events implements the name-keyed publish/subscribe bus used by
// every portal component to announce state transitions.
package events

import (
	"log/slog"
	"sync"
)

// Handler receives the data of a published event.
type Handler func(data any)

// TapFunc receives every event published on a bus.
type TapFunc func(name string, data any)

// SubscriptionID identifies one subscription for later removal.
type SubscriptionID uint64

// Publisher is the capability to announce events.
type Publisher interface {
	Publish(name string, data any)
}

// Subscriber is the capability to observe events.
type Subscriber interface {
	Subscribe(name string, h Handler) SubscriptionID
	Unsubscribe(name string, id SubscriptionID) bool
}

// Tapper is implemented by buses that can stream all events.
type Tapper interface {
	Tap(fn TapFunc) (cancel func())
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

type tap struct {
	id SubscriptionID
	fn TapFunc
}

// Bus is a synchronous event bus. Handlers run on the publishing goroutine,
// outside the bus lock, against a snapshot of the subscriber list.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]subscription
	taps   []tap
	nextID SubscriptionID
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string][]subscription),
	}
}

// Subscribe appends h to the subscribers of name, creating the topic if needed.
func (b *Bus) Subscribe(name string, h Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.topics[name] = append(b.topics[name], subscription{id: b.nextID, handler: h})
	return b.nextID
}

// Unsubscribe removes a subscription. The topic is deleted once empty.
func (b *Bus) Unsubscribe(name string, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[name]
	if !ok {
		return false
	}
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Copy so in-flight snapshots keep their view.
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, name)
		} else {
			b.topics[name] = next
		}
		return true
	}
	return false
}

// Publish invokes every subscriber of name registered at the time of the call.
func (b *Bus) Publish(name string, data any) {
	b.mu.Lock()
	subs := b.topics[name]
	taps := b.taps
	b.mu.Unlock()

	for _, t := range taps {
		b.call(name, func() { t.fn(name, data) })
	}
	for _, s := range subs {
		b.call(name, func() { s.handler(data) })
	}
}

// Tap registers fn to observe every event. The returned func removes it.
func (b *Bus) Tap(fn TapFunc) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.taps = append(b.taps, tap{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, t := range b.taps {
			if t.id == id {
				next := make([]tap, 0, len(b.taps)-1)
				next = append(next, b.taps[:i]...)
				b.taps = append(next, b.taps[i+1:]...)
				return
			}
		}
	}
}

// HasTopic reports whether name currently has subscribers.
func (b *Bus) HasTopic(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[name]
	return ok
}

// call runs one handler, keeping a panicking subscriber from taking down
// the publisher.
func (b *Bus) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "event", name, "panic", r)
		}
	}()
	fn()
}
