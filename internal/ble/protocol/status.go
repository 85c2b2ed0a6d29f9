package protocol

import (
	"fmt"
	"strconv"
)

// StatusKey is the map key carrying the raw value of a game status update.
const StatusKey = "status"

// StatusEvent is one decoded notification from the hub: either a game status
// update or the end-of-game signal.
type StatusEvent struct {
	Ended  bool
	Value  int
	Fields map[string]string // nil when Ended
}

// DecodeError reports a notification payload that is not a decimal integer.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode status %q: %v", e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeStatus parses a notification. The hub sends the decimal text of a
// single integer; GameEndedStatus marks the end of the game.
func DecodeStatus(payload []byte) (StatusEvent, error) {
	n, err := strconv.Atoi(string(payload))
	if err != nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return StatusEvent{}, &DecodeError{Payload: cp, Err: err}
	}
	if n == GameEndedStatus {
		return StatusEvent{Ended: true, Value: n}, nil
	}
	return StatusEvent{
		Value:  n,
		Fields: map[string]string{StatusKey: strconv.Itoa(n)},
	}, nil
}
