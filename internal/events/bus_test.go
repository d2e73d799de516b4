package events

import (
	"testing"
	"time"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Publish(New(TypeEngineStarted, PriorityHigh, "s1", nil))

	for i, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.Type != TypeEngineStarted || msg.SessionID != "s1" {
				t.Fatalf("subscriber %d got unexpected message: %+v", i, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(New(TypeHeartbeat, PriorityLow, "", nil))
	bus.Publish(New(TypeEngineError, PriorityHigh, "", nil)) // dropped, buffer full

	first := <-ch
	if first.Type != TypeHeartbeat {
		t.Fatalf("expected first message retained, got %s", first.Type)
	}
	select {
	case msg := <-ch:
		t.Fatalf("expected second message dropped, got %s", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatalf("cancelled subscription channel still open")
	}
	// Publishing after cancel must not panic.
	bus.Publish(New(TypeHeartbeat, PriorityLow, "", nil))
}
