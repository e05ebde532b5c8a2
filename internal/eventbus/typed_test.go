package eventbus

import "testing"

func TestTypedBusPublishSubscribe(t *testing.T) {
	bus := NewTyped[string](0)
	sub := bus.Subscribe()
	bus.Publish("hello")
	v := <-sub.C
	if v != "hello" {
		t.Fatalf("expected hello got %v", v)
	}
	bus.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}

func TestTypedBusOverflowSignals(t *testing.T) {
	bus := NewTyped[int](2)
	sub := bus.Subscribe()
	for i := 0; i < 3; i++ {
		bus.Publish(i)
	}
	select {
	case <-sub.Overflow:
	default:
		t.Fatalf("expected overflow signal")
	}
	if got := <-sub.C; got != 0 {
		t.Fatalf("expected 0 got %d", got)
	}
	if got := <-sub.C; got != 1 {
		t.Fatalf("expected 1 got %d", got)
	}
	select {
	case v := <-sub.C:
		t.Fatalf("dropped value delivered: %d", v)
	default:
	}
}

func TestTypedBusFIFOPerSubscriber(t *testing.T) {
	bus := NewTyped[int](16)
	a, b := bus.Subscribe(), bus.Subscribe()
	for i := 0; i < 10; i++ {
		bus.Publish(i)
	}
	for _, s := range []*Subscription[int]{a, b} {
		for i := 0; i < 10; i++ {
			if v := <-s.C; v != i {
				t.Fatalf("out of order: want %d got %d", i, v)
			}
		}
	}
}

func TestTypedBusSignal(t *testing.T) {
	bus := NewTyped[int](1)
	sub := bus.Subscribe()
	bus.Signal()
	bus.Signal()
	<-sub.Overflow
	select {
	case <-sub.Overflow:
		t.Fatalf("overflow should coalesce")
	default:
	}
}

func TestTypedBusClose(t *testing.T) {
	bus := NewTyped[int](0)
	s1 := bus.Subscribe()
	s2 := bus.Subscribe()
	bus.Close()
	if _, ok := <-s1.C; ok {
		t.Fatalf("expected s1 closed")
	}
	if _, ok := <-s2.C; ok {
		t.Fatalf("expected s2 closed")
	}
	if s := bus.Subscribe(); s != nil {
		if _, ok := <-s.C; ok {
			t.Fatalf("subscribe after close should be closed")
		}
	}
}

func TestTypedBusUnsubscribeAfterClose(t *testing.T) {
	bus := NewTyped[float64](0)
	sub := bus.Subscribe()
	bus.Close()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic on Unsubscribe after Close: %v", r)
		}
	}()
	bus.Unsubscribe(sub)
}
