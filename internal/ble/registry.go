package ble

import (
	"context"
	"fmt"
	"log/slog"
)

// SelectPolicy decides which writable characteristic becomes the write
// target when a peripheral exposes more than one.
type SelectPolicy int

const (
	// SelectFirst picks the first writable characteristic in enumeration order.
	SelectFirst SelectPolicy = iota
	// SelectLast picks the last one, matching the original Android controller.
	SelectLast
)

// ParseSelectPolicy parses "first" or "last".
func ParseSelectPolicy(s string) (SelectPolicy, error) {
	switch s {
	case "first", "":
		return SelectFirst, nil
	case "last":
		return SelectLast, nil
	default:
		return SelectFirst, fmt.Errorf("ble: unknown select policy %q", s)
	}
}

func (p SelectPolicy) String() string {
	if p == SelectLast {
		return "last"
	}
	return "first"
}

// Selection is the result of characteristic discovery for one connection.
type Selection struct {
	Write  Characteristic   // nil when nothing is writable
	Notify []Characteristic // characteristics subscribed to
}

// selectCharacteristics picks the write target from chars in order.
func selectCharacteristics(chars []Characteristic, policy SelectPolicy) Selection {
	var sel Selection
	for _, c := range chars {
		props := c.Properties()
		if props.Writable() && (sel.Write == nil || policy == SelectLast) {
			sel.Write = c
		}
		if props.Notifiable() {
			sel.Notify = append(sel.Notify, c)
		}
	}
	return sel
}

// discover enumerates conn's characteristics, selects the write target and
// subscribes every notifiable characteristic to onNotify. It runs off the
// session loop because every step is blocking platform I/O, and gives up
// once ctx is done.
func discover(ctx context.Context, conn Connection, policy SelectPolicy, onNotify func([]byte)) (Selection, error) {
	chars, err := conn.Characteristics()
	if err != nil {
		return Selection{}, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Selection{}, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	sel := selectCharacteristics(chars, policy)

	subscribed := sel.Notify[:0:0]
	for _, c := range sel.Notify {
		if err := ctx.Err(); err != nil {
			return Selection{}, fmt.Errorf("ble: enable notifications: %w", err)
		}
		if err := c.Subscribe(onNotify); err != nil {
			slog.Warn("[BLE] enable notifications failed", "uuid", c.UUID(), "error", err)
			continue
		}
		subscribed = append(subscribed, c)
	}
	sel.Notify = subscribed

	if sel.Write == nil {
		slog.Warn("[BLE] no writable characteristic found", "characteristics", len(chars))
	} else {
		slog.Info("[BLE] write target selected", "uuid", sel.Write.UUID(),
			"properties", sel.Write.Properties(), "policy", policy)
	}
	return sel, nil
}
