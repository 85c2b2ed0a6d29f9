package ble

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/soundleap-link/internal/ble/protocol"
)

// EventType identifies the kind of an Event.
type EventType int

const (
	// EventDeviceFound carries a Device matching the scan code.
	EventDeviceFound EventType = iota
	// EventStateChanged carries the new ConnectionState.
	EventStateChanged
	// EventStatus carries a game status update.
	EventStatus
	// EventGameEnded signals that the hub reported the end of the game.
	EventGameEnded
)

func (t EventType) String() string {
	switch t {
	case EventDeviceFound:
		return "device_found"
	case EventStateChanged:
		return "state_changed"
	case EventStatus:
		return "status"
	case EventGameEnded:
		return "game_ended"
	default:
		return "unknown"
	}
}

// Event is published on the Bus. Only the field matching Type is set.
type Event struct {
	Type   EventType
	Device Device
	State  ConnectionState
	Status protocol.StatusEvent
}

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is
// given a non-positive buffer.
const DefaultSubscriberBuffer = 32

// Bus fans events out to subscribers. Each subscriber receives events in
// publish order; an event is dropped for a subscriber whose buffer is full.
// Late subscribers see only events published after they subscribed.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned func unsubscribes and closes the channel; it is safe to call more
// than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("[BLE] subscriber buffer full, dropping event", "subscriber", id, "event", ev.Type)
		}
	}
}

// Len returns the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
