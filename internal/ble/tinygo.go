package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoOptions configures the tinygo-org/bluetooth backend.
type TinyGoOptions struct {
	// WriteUUIDs and NotifyUUIDs name the characteristics treated as
	// writable and notifiable. The library does not expose GATT flags on
	// every platform, so capabilities come from these hints.
	WriteUUIDs  []string
	NotifyUUIDs []string
}

// DefaultTinyGoOptions targets the hub's HM-10 style serial characteristic.
func DefaultTinyGoOptions() TinyGoOptions {
	return TinyGoOptions{
		WriteUUIDs:  []string{DefaultUARTCharUUID},
		NotifyUUIDs: []string{DefaultUARTCharUUID},
	}
}

// TinyGoAdapter wraps tinygo-org/bluetooth. It works on Linux (BlueZ),
// macOS (CoreBluetooth) and Windows. On macOS, device IDs are CoreBluetooth
// UUIDs rather than MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	write   map[string]bool
	notify  map[string]bool

	mu          sync.Mutex
	enabled     bool
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates an adapter on bluetooth.DefaultAdapter.
func NewTinyGoAdapter(opts TinyGoOptions) *TinyGoAdapter {
	a := &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		write:       make(map[string]bool),
		notify:      make(map[string]bool),
		connections: make(map[string]*tinyGoConnection),
	}
	for _, u := range opts.WriteUUIDs {
		a.write[normalizeUUID(u)] = true
	}
	for _, u := range opts.NotifyUUIDs {
		a.notify[normalizeUUID(u)] = true
	}
	return a
}

func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The library reports peripheral disconnects through the adapter-level
	// handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	a.enabled = true
	return nil
}

// Enabled enables the adapter if needed and reports whether that worked;
// the library has no separate power query.
func (a *TinyGoAdapter) Enabled() bool {
	return a.Enable() == nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, fn func(Advertisement)) error {
	if err := a.Enable(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		fn(Advertisement{
			Address:   result.Address.String(),
			LocalName: result.LocalName(),
			RSSI:      int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	if err := a.Enable(); err != nil {
		return nil, err
	}
	var addr bluetooth.Address
	addr.Set(id)

	// Connect blocks with the library's own timeout and cannot be
	// cancelled; a result arriving after ctx ends is disconnected.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &tinyGoConnection{adapter: a, id: id, device: result.device}
		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

func (a *TinyGoAdapter) forget(id string, conn *tinyGoConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connections[id] == conn {
		delete(a.connections, id)
	}
}

// hintedProperties returns the capabilities configured for uuid.
func (a *TinyGoAdapter) hintedProperties(uuid string) Properties {
	var props Properties
	if a.write[uuid] {
		props |= PropWriteNoResponse
	}
	if a.notify[uuid] {
		props |= PropNotify
	}
	return props
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	adapter *TinyGoAdapter
	id      string
	device  bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) Characteristics() ([]Characteristic, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	var out []Characteristic
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID().String(), err)
		}
		for j := range chars {
			uuid := normalizeUUID(chars[j].UUID().String())
			out = append(out, &tinyGoCharacteristic{char: chars[j], uuid: uuid, props: c.adapter.hintedProperties(uuid)})
		}
	}
	return out, nil
}

func (c *tinyGoConnection) Disconnect() error {
	c.adapter.forget(c.id, c)
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char  bluetooth.DeviceCharacteristic
	uuid  string
	props Properties
}

func (c *tinyGoCharacteristic) UUID() string           { return c.uuid }
func (c *tinyGoCharacteristic) Properties() Properties { return c.props }

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
