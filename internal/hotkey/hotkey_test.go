package hotkey

import (
	"testing"
	"time"
)

func TestFireDebounce(t *testing.T) {
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewListener([]string{"ctrl", "shift", "q"})
	l.now = func() time.Time { return clock }

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},                       // first press
		{100 * time.Millisecond, false}, // auto-repeat
		{500 * time.Millisecond, false}, // still held
		{DefaultDebounce, true},         // next press
		{DefaultDebounce - 1, false},    // just inside the window
		{time.Nanosecond, true},         // window elapsed
	}
	for i, s := range steps {
		clock = clock.Add(s.advance)
		if got := l.fire(); got != s.want {
			t.Errorf("step %d: fire() = %v, want %v", i, got, s.want)
		}
		// Drain so a full buffer never masks the debounce result.
		select {
		case <-l.Events():
		default:
		}
	}
}

func TestFireDoesNotBlock(t *testing.T) {
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewListener([]string{"q"})
	l.now = func() time.Time { return clock }

	delivered := 0
	for range cap(l.ch) + 3 {
		clock = clock.Add(time.Second)
		if l.fire() {
			delivered++
		}
	}
	if delivered != cap(l.ch) {
		t.Errorf("delivered = %d, want %d", delivered, cap(l.ch))
	}
	ev := <-l.Events()
	if ev.At.IsZero() {
		t.Error("event has zero timestamp")
	}
}

func TestStopIdempotent(t *testing.T) {
	l := NewListener([]string{"q"})
	l.Stop()
	l.Stop()
	select {
	case <-l.done:
	default:
		t.Error("done not closed after Stop")
	}
}
