// Package ble drives a SoundLeap hub over Bluetooth Low Energy. It matches
// the hub's advertisement, runs the connection state machine, selects the
// writable characteristic, streams paced game uploads and turns status
// notifications into events.
package ble

import (
	"context"
	"strings"
)

// DefaultUARTCharUUID is the HM-10 style serial characteristic used by the
// hub's BLE module for both writes and notifications.
const DefaultUARTCharUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"

// Properties is a bit set of GATT characteristic capabilities.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
)

// Writable reports whether the characteristic accepts writes of either kind.
func (p Properties) Writable() bool { return p&(PropWrite|PropWriteNoResponse) != 0 }

// Notifiable reports whether the characteristic can notify.
func (p Properties) Notifiable() bool { return p&PropNotify != 0 }

func (p Properties) String() string {
	var parts []string
	if p&PropRead != 0 {
		parts = append(parts, "read")
	}
	if p&PropWrite != 0 {
		parts = append(parts, "write")
	}
	if p&PropWriteNoResponse != 0 {
		parts = append(parts, "write-without-response")
	}
	if p&PropNotify != 0 {
		parts = append(parts, "notify")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in lowercase canonical form.
	UUID() string
	// Properties returns the characteristic's capabilities.
	Properties() Properties
	// Write sends data to the characteristic, with response when the
	// characteristic supports it.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Advertisement is one scan result reported by the adapter.
type Advertisement struct {
	Address   string
	LocalName string // empty when the peripheral did not advertise a name
	RSSI      int
}

// Device identifies a matched peripheral. It is created from a scan result
// and never modified.
type Device struct {
	ID   string // platform address or UUID
	Name string
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Characteristics enumerates every characteristic of every service, in
	// the order the platform reports them.
	Characteristics() ([]Characteristic, error)
	// Disconnect terminates the connection and releases its resources.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the peripheral drops
	// the link.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Enabled reports whether the radio is powered.
	Enabled() bool
	// Scan reports advertisements to fn until ctx is cancelled.
	Scan(ctx context.Context, fn func(Advertisement)) error
	// Connect establishes a connection to the device with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}

func normalizeUUID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
