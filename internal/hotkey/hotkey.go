// Package hotkey provides a global cancel hotkey using gohook. Pressing the
// combo emits an Event; held keys and auto-repeat are collapsed into one
// event per press by a short debounce window.
package hotkey

import (
	"sync"
	"time"

	hook "github.com/robotn/gohook"
)

// DefaultDebounce is the minimum spacing between two emitted events.
const DefaultDebounce = 750 * time.Millisecond

// Event is emitted on the channel returned by Events.
type Event struct {
	At time.Time
}

// Listener manages a global hotkey and emits an Event per press.
type Listener struct {
	keys     []string
	debounce time.Duration
	now      func() time.Time
	ch       chan Event
	done     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	last time.Time
}

// NewListener creates a Listener for the given key combo.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "q"]).
func NewListener(keys []string) *Listener {
	return &Listener{
		keys:     keys,
		debounce: DefaultDebounce,
		now:      time.Now,
		ch:       make(chan Event, 4),
		done:     make(chan struct{}),
	}
}

// Keys returns the combo the listener watches.
func (l *Listener) Keys() []string { return l.keys }

// Events returns the channel that receives hotkey events.
// The channel is closed when Start returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(e hook.Event) {
		l.fire()
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// fire emits an event unless one was emitted within the debounce window.
// It never blocks the hook goroutine.
func (l *Listener) fire() bool {
	now := l.now()
	l.mu.Lock()
	if !l.last.IsZero() && now.Sub(l.last) < l.debounce {
		l.mu.Unlock()
		return false
	}
	l.last = now
	l.mu.Unlock()

	select {
	case l.ch <- Event{At: now}:
		return true
	default: // don't block if channel is full
		return false
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
