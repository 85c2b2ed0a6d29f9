package ble

import (
	"errors"
	"testing"
)

func TestMatcher(t *testing.T) {
	m, err := NewMatcher("482913")
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if m.Name() != "SL-482913" {
		t.Errorf("Name = %q, want SL-482913", m.Name())
	}

	tests := []struct {
		name  string
		adv   Advertisement
		match bool
	}{
		{"exact", Advertisement{Address: "A", LocalName: "SL-482913"}, true},
		{"short", Advertisement{Address: "A", LocalName: "SL-48291"}, false},
		{"wrong prefix", Advertisement{Address: "A", LocalName: "XX-482913"}, false},
		{"lowercase prefix", Advertisement{Address: "A", LocalName: "sl-482913"}, false},
		{"suffix", Advertisement{Address: "A", LocalName: "SL-4829130"}, false},
		{"unnamed", Advertisement{Address: "A"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, ok := m.Match(tt.adv)
			if ok != tt.match {
				t.Fatalf("Match = %v, want %v", ok, tt.match)
			}
			if ok && (dev.ID != tt.adv.Address || dev.Name != tt.adv.LocalName) {
				t.Errorf("device = %+v", dev)
			}
		})
	}
}

func TestNewMatcherInvalid(t *testing.T) {
	for _, code := range []string{"", "48291", "4829134", "48291a", " 48291", "４８２９１３"} {
		if _, err := NewMatcher(code); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("NewMatcher(%q) = %v, want ErrInvalidCode", code, err)
		}
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := map[ConnectionState]string{
		Disconnected:        "disconnected",
		Connecting:          "connecting",
		Connected:           "connected",
		ServicesReady:       "services-ready",
		Failed:              "failed",
		ConnectionState(42): "ConnectionState(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
