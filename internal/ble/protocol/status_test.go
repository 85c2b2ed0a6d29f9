package protocol

import (
	"errors"
	"strconv"
	"testing"
)

func TestDecodeStatusGameEnded(t *testing.T) {
	ev, err := DecodeStatus([]byte("238"))
	if err != nil {
		t.Fatalf("DecodeStatus() error = %v", err)
	}
	if !ev.Ended {
		t.Error("payload \"238\" should decode to game ended")
	}
	if ev.Fields != nil {
		t.Errorf("Fields = %v, want nil for game ended", ev.Fields)
	}
}

func TestDecodeStatusValue(t *testing.T) {
	ev, err := DecodeStatus([]byte("57"))
	if err != nil {
		t.Fatalf("DecodeStatus() error = %v", err)
	}
	if ev.Ended {
		t.Error("payload \"57\" should not end the game")
	}
	if ev.Value != 57 {
		t.Errorf("Value = %d, want 57", ev.Value)
	}
	if ev.Fields[StatusKey] != "57" {
		t.Errorf("Fields[%q] = %q, want %q", StatusKey, ev.Fields[StatusKey], "57")
	}
}

func TestDecodeStatusInvalid(t *testing.T) {
	for _, payload := range []string{"abc", "", "12a", "0xEE", " 57"} {
		t.Run(strconv.Quote(payload), func(t *testing.T) {
			_, err := DecodeStatus([]byte(payload))
			if err == nil {
				t.Fatal("DecodeStatus() should fail")
			}
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("error type = %T, want *DecodeError", err)
			}
			if string(decErr.Payload) != payload {
				t.Errorf("DecodeError.Payload = %q, want %q", decErr.Payload, payload)
			}
		})
	}
}

func TestDecodeStatusRawByteIsNotSentinel(t *testing.T) {
	// The hub sends decimal text, so a raw 0xEE byte is malformed.
	if _, err := DecodeStatus([]byte{GameEnded}); err == nil {
		t.Error("raw 0xEE byte should not decode")
	}
}

func TestGameEndedStatus(t *testing.T) {
	if GameEndedStatus != 238 {
		t.Errorf("GameEndedStatus = %d, want 238", GameEndedStatus)
	}
}
