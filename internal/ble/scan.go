package ble

import (
	"fmt"

	"github.com/chaz8081/soundleap-link/internal/ble/protocol"
)

// Matcher accepts the advertisement of the hub with a given pairing code.
type Matcher struct {
	name string
}

// NewMatcher returns a Matcher for code, which must be exactly six digits.
func NewMatcher(code string) (*Matcher, error) {
	if !protocol.ValidCode(code) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return &Matcher{name: protocol.DeviceName(code)}, nil
}

// Name returns the advertised name the matcher accepts.
func (m *Matcher) Name() string { return m.name }

// Match reports whether adv is the hub. The comparison is exact and
// case-sensitive; unnamed advertisements never match.
func (m *Matcher) Match(adv Advertisement) (Device, bool) {
	if adv.LocalName == "" || adv.LocalName != m.name {
		return Device{}, false
	}
	return Device{ID: adv.Address, Name: adv.LocalName}, true
}
