package ble

import (
	"testing"

	"github.com/chaz8081/soundleap-link/internal/ble/protocol"
)

func TestBusOrdering(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe(8)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventStatus, Status: protocol.StatusEvent{Value: i}})
	}
	for i := 0; i < 5; i++ {
		ev := <-ch
		if ev.Status.Value != i {
			t.Fatalf("event %d has value %d", i, ev.Status.Value)
		}
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: EventStatus, Status: protocol.StatusEvent{Value: i}})
	}
	if len(slow) != 1 {
		t.Errorf("slow subscriber buffered %d, want 1", len(slow))
	}
	if ev := <-slow; ev.Status.Value != 0 {
		t.Errorf("slow subscriber got %d, want the first event", ev.Status.Value)
	}
	if len(fast) != 3 {
		t.Errorf("fast subscriber buffered %d, want 3", len(fast))
	}
}

func TestBusLateSubscriber(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Type: EventGameEnded})
	ch, unsubscribe := b.Subscribe(4)
	defer unsubscribe()
	select {
	case ev := <-ch:
		t.Errorf("late subscriber got %v", ev.Type)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	ch, unsubscribe := b.Subscribe(0)
	if cap(ch) != DefaultSubscriberBuffer {
		t.Errorf("cap = %d, want %d", cap(ch), DefaultSubscriberBuffer)
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
	unsubscribe()
	unsubscribe()
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
	b.Publish(Event{Type: EventStatus})
}

func TestEventTypeString(t *testing.T) {
	tests := map[EventType]string{
		EventDeviceFound:  "device_found",
		EventStateChanged: "state_changed",
		EventStatus:       "status",
		EventGameEnded:    "game_ended",
		EventType(99):     "unknown",
	}
	for et, want := range tests {
		if got := et.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(et), got, want)
		}
	}
}
