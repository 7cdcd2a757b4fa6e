// Package events provides a small typed pub/sub bus with ordered,
// synchronous delivery and explicit unsubscribe tokens.
package events

import "sync"

// Bus fans one event type out to subscribers. Delivery is synchronous with
// Publish and always in subscription order; events published from the same
// goroutine are never observed out of order.
type Bus[T any] struct {
	mu        sync.Mutex
	nextSubID int
	order     []int
	subs      map[int]func(T)
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: map[int]func(T){}}
}

// Subscribe registers fn and returns an unsubscribe token. Unsubscribing
// twice is harmless.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.subs == nil {
		b.subs = map[int]func(T){}
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		for i, existing := range b.order {
			if existing == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish invokes every subscriber in subscription order before returning.
// Subscribers added or removed by a callback take effect for the next
// Publish, not the current one.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	callbacks := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		if fn, ok := b.subs[id]; ok {
			callbacks = append(callbacks, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range callbacks {
		fn(event)
	}
}

// Len reports the current subscriber count.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
