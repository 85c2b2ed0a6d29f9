package ble

import (
	"context"
	"errors"
	"testing"
)

func TestSelectCharacteristics(t *testing.T) {
	read := newMockChar("0000aaa1-0000-1000-8000-00805f9b34fb", PropRead)
	w1 := newMockChar("0000aaa2-0000-1000-8000-00805f9b34fb", PropWrite)
	notify := newMockChar("0000aaa3-0000-1000-8000-00805f9b34fb", PropNotify)
	w2 := newMockChar("0000aaa4-0000-1000-8000-00805f9b34fb", PropWriteNoResponse|PropNotify)
	chars := []Characteristic{read, w1, notify, w2}

	tests := []struct {
		name      string
		chars     []Characteristic
		policy    SelectPolicy
		wantWrite Characteristic
		wantNotif int
	}{
		{"first", chars, SelectFirst, w1, 2},
		{"last", chars, SelectLast, w2, 2},
		{"none writable", []Characteristic{read, notify}, SelectFirst, nil, 1},
		{"empty", nil, SelectLast, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := selectCharacteristics(tt.chars, tt.policy)
			if sel.Write != tt.wantWrite {
				t.Errorf("Write = %v, want %v", sel.Write, tt.wantWrite)
			}
			if len(sel.Notify) != tt.wantNotif {
				t.Errorf("Notify = %d, want %d", len(sel.Notify), tt.wantNotif)
			}
		})
	}
}

// failingSubscribe is a notifiable characteristic whose Subscribe fails.
type failingSubscribe struct{ *mockCharacteristic }

func (failingSubscribe) Subscribe(func([]byte)) error { return errors.New("cccd write failed") }

func TestDiscover(t *testing.T) {
	good := newMockChar(DefaultUARTCharUUID, PropWriteNoResponse|PropNotify)
	bad := failingSubscribe{newMockChar("0000ffe2-0000-1000-8000-00805f9b34fb", PropNotify)}
	conn := &mockConnection{chars: []Characteristic{bad, good}}

	var got []byte
	sel, err := discover(context.Background(), conn, SelectFirst, func(b []byte) { got = b })
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if sel.Write != good {
		t.Errorf("Write = %v, want uart", sel.Write)
	}
	if len(sel.Notify) != 1 || sel.Notify[0] != good {
		t.Errorf("Notify = %v, want only the subscribed characteristic", sel.Notify)
	}
	good.SimulateNotification([]byte("57"))
	if string(got) != "57" {
		t.Errorf("callback got %q, want 57", got)
	}
}

func TestDiscoverError(t *testing.T) {
	conn := &mockConnection{discoverErr: errors.New("gatt error")}
	if _, err := discover(context.Background(), conn, SelectFirst, func([]byte) {}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDiscoverStopsWhenLinkClosed(t *testing.T) {
	conn, uart := newMockConnection()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := discover(ctx, conn, SelectFirst, func([]byte) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("discover = %v, want context.Canceled", err)
	}
	if uart.subscribed() {
		t.Error("notifications enabled after the link closed")
	}
}

func TestParseSelectPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    SelectPolicy
		wantErr bool
	}{
		{"", SelectFirst, false},
		{"first", SelectFirst, false},
		{"last", SelectLast, false},
		{"middle", SelectFirst, true},
	}
	for _, tt := range tests {
		got, err := ParseSelectPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSelectPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSelectPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if SelectLast.String() != "last" || SelectFirst.String() != "first" {
		t.Error("String() mismatch")
	}
}

func TestPropertiesString(t *testing.T) {
	tests := []struct {
		p    Properties
		want string
	}{
		{0, "none"},
		{PropRead, "read"},
		{PropWriteNoResponse | PropNotify, "write-without-response|notify"},
		{PropRead | PropWrite, "read|write"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Properties(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}
