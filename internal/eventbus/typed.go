// Package eventbus provides an in-process fan-out of typed values to a
// dynamic set of subscribers with bounded per-subscriber buffers.
package eventbus

import "sync"

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 64

// Subscription is the receiving side of a subscriber. C is closed when the
// subscriber is removed or the bus is closed. Overflow receives a value when
// at least one publish was dropped because C was full.
type Subscription[T any] struct {
	C        <-chan T
	Overflow <-chan struct{}

	ch       chan T
	overflow chan struct{}
}

// TypedBus is a type-safe publish/subscribe bus for events of type T.
type TypedBus[T any] struct {
	mu     sync.RWMutex
	subs   []*Subscription[T]
	buffer int
	closed bool
}

// NewTyped creates a new TypedBus. A buffer <= 0 selects DefaultBuffer.
func NewTyped[T any](buffer int) *TypedBus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &TypedBus[T]{buffer: buffer}
}

// Publish sends the event to all subscribers. Delivery is non-blocking; a
// full subscriber loses the event and gets its Overflow signalled. It returns
// the number of subscribers the event was dropped for.
func (b *TypedBus[T]) Publish(e T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	dropped := 0
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			dropped++
			select {
			case s.overflow <- struct{}{}:
			default:
			}
		}
	}
	return dropped
}

// Subscribe registers a subscriber.
func (b *TypedBus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{ch: make(chan T, b.buffer), overflow: make(chan struct{}, 1)}
	s.C, s.Overflow = s.ch, s.overflow
	b.mu.Lock()
	if b.closed {
		close(s.ch)
	} else {
		b.subs = append(b.subs, s)
	}
	b.mu.Unlock()
	return s
}

// Signal raises the overflow flag of every subscriber. Backends use it when
// events may have been lost upstream of the bus.
func (b *TypedBus[T]) Signal() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.overflow <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (b *TypedBus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *TypedBus[T]) Unsubscribe(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !b.closed {
				close(s.ch)
			}
			return
		}
	}
}

// Close closes the bus and all subscriber channels.
func (b *TypedBus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.mu.Unlock()
}
