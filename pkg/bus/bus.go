// Package bus is the in-process publish/subscribe hub shared by the DDP
// client, guest sessions and the gateway.
//
// Handlers run synchronously in the publisher's goroutine, in subscription
// order. Since the DDP client publishes protocol events from a single read
// loop, every handler of a given session observes events in wire order.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler receives every event of the kind it subscribed to.
type Handler func(ctx context.Context, e Event)

type subscription struct {
	id      uint64
	handler Handler
}

type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]subscription
	nextID   atomic.Uint64
	closed   atomic.Bool
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Kind][]subscription),
	}
}

// Subscribe registers h for events of kind k. The returned function removes
// the registration and is safe to call more than once.
func (b *Bus) Subscribe(k Kind, h Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.handlers[k] = append(b.handlers[k], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(k, id) })
	}
}

func (b *Bus) unsubscribe(k Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[k]
	for i, s := range subs {
		if s.id == id {
			// copy so in-flight Publish snapshots keep their slice intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.handlers[k] = next
			return
		}
	}
}

// On subscribes a handler typed on the concrete event payload.
func On[E Event](b *Bus, fn func(ctx context.Context, e E)) func() {
	var zero E
	return b.Subscribe(zero.Kind(), func(ctx context.Context, e Event) {
		if typed, ok := e.(E); ok {
			fn(ctx, typed)
		}
	})
}

// Publish delivers e to the current subscribers of its kind.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.RLock()
	subs := b.handlers[e.Kind()]
	b.mu.RUnlock()

	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.handler(ctx, e)
	}
	return nil
}

// Subscribers reports how many handlers are registered for k.
func (b *Bus) Subscribers(k Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[k])
}

func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.mu.Lock()
		b.handlers = make(map[Kind][]subscription)
		b.mu.Unlock()
	}
}
