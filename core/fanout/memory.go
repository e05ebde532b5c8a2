package fanout

import (
	"context"
	"sync"

	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/internal/eventbus"
)

// Memory is the in-process fan-out backend.
type Memory struct {
	bus     *eventbus.TypedBus[events.ChangeEvent]
	backend string
}

// NewMemory returns a Memory channel with the given per-subscriber buffer.
func NewMemory(buffer int) *Memory {
	return &Memory{bus: eventbus.NewTyped[events.ChangeEvent](buffer), backend: "memory"}
}

// NewLocal is NewMemory for backends delivering remote events locally; the
// label only affects metrics.
func NewLocal(buffer int, backend string) *Memory {
	m := NewMemory(buffer)
	m.backend = backend
	return m
}

func (m *Memory) Publish(_ context.Context, ev events.ChangeEvent) error {
	m.Deliver(ev)
	return nil
}

// Deliver hands the event to the local subscribers.
func (m *Memory) Deliver(ev events.ChangeEvent) {
	delivered.WithLabelValues(m.backend, string(ev.Kind)).Inc()
	if n := m.bus.Publish(ev); n > 0 {
		dropped.WithLabelValues(m.backend).Add(float64(n))
	}
}

// SignalResync tells every subscriber that events may have been lost.
func (m *Memory) SignalResync() {
	resyncs.WithLabelValues(m.backend).Inc()
	m.bus.Signal()
}

// Subscribers returns the number of active subscriptions.
func (m *Memory) Subscribers() int { return m.bus.Len() }

func (m *Memory) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{bus: m.bus, sub: m.bus.Subscribe(), backend: m.backend, done: make(chan struct{})}
	subscribers.WithLabelValues(m.backend).Inc()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (m *Memory) Close() error {
	m.bus.Close()
	return nil
}

type memorySub struct {
	bus     *eventbus.TypedBus[events.ChangeEvent]
	sub     *eventbus.Subscription[events.ChangeEvent]
	backend string
	once    sync.Once
	done    chan struct{}
}

func (s *memorySub) Events() <-chan events.ChangeEvent { return s.sub.C }
func (s *memorySub) Resync() <-chan struct{}           { return s.sub.Overflow }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.Unsubscribe(s.sub)
		subscribers.WithLabelValues(s.backend).Dec()
	})
	return nil
}
