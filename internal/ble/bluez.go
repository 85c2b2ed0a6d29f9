package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName        = "org.bluez"
	bluezAdapterIface   = "org.bluez.Adapter1"
	bluezDeviceIface    = "org.bluez.Device1"
	bluezCharIface      = "org.bluez.GattCharacteristic1"
	dbusPropertiesIface = "org.freedesktop.DBus.Properties"
	dbusObjectManager   = "org.freedesktop.DBus.ObjectManager"

	propertiesChanged = dbusPropertiesIface + ".PropertiesChanged"
	interfacesAdded   = dbusObjectManager + ".InterfacesAdded"
)

// servicesPollInterval is how often Connect checks ServicesResolved.
const servicesPollInterval = 100 * time.Millisecond

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZAdapter talks to BlueZ over the D-Bus system bus. Unlike the tinygo
// backend it reads real GATT flags, so write target selection works for any
// peripheral.
type BlueZAdapter struct {
	path dbus.ObjectPath

	mu  sync.Mutex
	bus *dbus.Conn
}

// NewBlueZAdapter creates an adapter for the named controller, e.g. "hci0".
func NewBlueZAdapter(name string) *BlueZAdapter {
	if name == "" {
		name = "hci0"
	}
	return &BlueZAdapter{path: dbus.ObjectPath("/org/bluez/" + name)}
}

// conn returns the shared system bus connection.
func (a *BlueZAdapter) conn() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus != nil {
		return a.bus, nil
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	a.bus = bus
	return bus, nil
}

func (a *BlueZAdapter) Enable() error {
	bus, err := a.conn()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezBusName, a.path)
	if err := obj.Call(dbusPropertiesIface+".Set", 0, bluezAdapterIface, "Powered", dbus.MakeVariant(true)).Err; err != nil {
		return fmt.Errorf("ble: power on %s: %w", a.path, err)
	}
	return nil
}

func (a *BlueZAdapter) Enabled() bool {
	bus, err := a.conn()
	if err != nil {
		return false
	}
	v, err := bus.Object(bluezBusName, a.path).GetProperty(bluezAdapterIface + ".Powered")
	if err != nil {
		return false
	}
	powered, _ := v.Value().(bool)
	return powered
}

func (a *BlueZAdapter) Scan(ctx context.Context, fn func(Advertisement)) error {
	bus, err := a.conn()
	if err != nil {
		return err
	}

	rules := []string{
		fmt.Sprintf("type='signal',interface='%s',member='InterfacesAdded'", dbusObjectManager),
		fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',arg0='%s',path_namespace='%s'",
			dbusPropertiesIface, bluezDeviceIface, a.path),
	}
	for _, rule := range rules {
		if err := addMatch(bus, rule); err != nil {
			return err
		}
		defer removeMatch(bus, rule)
	}
	sigs := make(chan *dbus.Signal, 64)
	bus.Signal(sigs)
	defer bus.RemoveSignal(sigs)

	adapter := bus.Object(bluezBusName, a.path)
	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.Call(bluezAdapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		slog.Debug("[BLE] set discovery filter failed", "error", err)
	}
	if err := adapter.Call(bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("ble: start discovery: %w", err)
	}
	defer func() {
		if err := adapter.Call(bluezAdapterIface+".StopDiscovery", 0).Err; err != nil {
			slog.Debug("[BLE] stop discovery failed", "error", err)
		}
	}()

	seen := make(map[dbus.ObjectPath]*Advertisement)
	update := func(path dbus.ObjectPath, props map[string]dbus.Variant) {
		adv, ok := seen[path]
		if !ok {
			adv = &Advertisement{Address: addressFromPath(path)}
			seen[path] = adv
		}
		applyDeviceProps(adv, props)
		if adv.Address != "" {
			fn(*adv)
		}
	}

	objects, err := getManagedObjects(bus)
	if err != nil {
		return err
	}
	for path, ifaces := range objects {
		if props, ok := ifaces[bluezDeviceIface]; ok && a.owns(path) {
			update(path, props)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigs:
			if !ok {
				return nil
			}
			switch sig.Name {
			case interfacesAdded:
				if len(sig.Body) < 2 {
					continue
				}
				path, _ := sig.Body[0].(dbus.ObjectPath)
				ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
				if props, ok := ifaces[bluezDeviceIface]; ok && a.owns(path) {
					update(path, props)
				}
			case propertiesChanged:
				iface, changed, ok := parsePropertiesChanged(sig)
				if ok && iface == bluezDeviceIface && a.owns(sig.Path) {
					update(sig.Path, changed)
				}
			}
		}
	}
}

func (a *BlueZAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	bus, err := a.conn()
	if err != nil {
		return nil, err
	}
	path := devicePath(a.path, id)
	dev := bus.Object(bluezBusName, path)

	if err := dev.CallWithContext(ctx, bluezDeviceIface+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", id, err)
	}

	// BlueZ signals completion of GATT discovery through ServicesResolved.
	ticker := time.NewTicker(servicesPollInterval)
	defer ticker.Stop()
	for {
		v, err := dev.GetProperty(bluezDeviceIface + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				break
			}
		}
		select {
		case <-ctx.Done():
			_ = dev.Call(bluezDeviceIface+".Disconnect", 0).Err
			return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}

	c := &bluezConnection{
		bus:      bus,
		path:     path,
		handlers: make(map[dbus.ObjectPath]func([]byte)),
		sigs:     make(chan *dbus.Signal, 64),
		stop:     make(chan struct{}),
	}
	c.rule = fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path_namespace='%s'",
		dbusPropertiesIface, path)
	if err := addMatch(bus, c.rule); err != nil {
		_ = dev.Call(bluezDeviceIface+".Disconnect", 0).Err
		return nil, err
	}
	bus.Signal(c.sigs)
	go c.dispatch()
	return c, nil
}

func (a *BlueZAdapter) owns(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(a.path)+"/dev_") &&
		!strings.Contains(strings.TrimPrefix(string(path), string(a.path)+"/"), "/")
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)

type bluezConnection struct {
	bus  *dbus.Conn
	path dbus.ObjectPath
	rule string
	sigs chan *dbus.Signal
	stop chan struct{}

	mu           sync.Mutex
	handlers     map[dbus.ObjectPath]func([]byte)
	disconnectCb func()
	closeOnce    sync.Once
}

func (c *bluezConnection) Characteristics() ([]Characteristic, error) {
	objects, err := getManagedObjects(c.bus)
	if err != nil {
		return nil, err
	}
	infos := collectCharacteristics(objects, c.path)
	out := make([]Characteristic, 0, len(infos))
	for _, info := range infos {
		out = append(out, &bluezCharacteristic{conn: c, info: info})
	}
	return out, nil
}

func (c *bluezConnection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.bus.RemoveSignal(c.sigs)
		removeMatch(c.bus, c.rule)

		c.mu.Lock()
		subscribed := make([]dbus.ObjectPath, 0, len(c.handlers))
		for p := range c.handlers {
			subscribed = append(subscribed, p)
		}
		c.handlers = make(map[dbus.ObjectPath]func([]byte))
		c.mu.Unlock()
		for _, p := range subscribed {
			_ = c.bus.Object(bluezBusName, p).Call(bluezCharIface+".StopNotify", 0).Err
		}

		err = c.bus.Object(bluezBusName, c.path).Call(bluezDeviceIface+".Disconnect", 0).Err
	})
	if err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.path, err)
	}
	return nil
}

func (c *bluezConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *bluezConnection) setHandler(path dbus.ObjectPath, cb func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[path] = cb
}

// dispatch routes PropertiesChanged signals under the device path to the
// disconnect callback and notification handlers.
func (c *bluezConnection) dispatch() {
	for {
		select {
		case <-c.stop:
			return
		case sig := <-c.sigs:
			if sig == nil || sig.Name != propertiesChanged {
				continue
			}
			iface, changed, ok := parsePropertiesChanged(sig)
			if !ok {
				continue
			}
			switch {
			case iface == bluezDeviceIface && sig.Path == c.path:
				if v, ok := changed["Connected"]; ok {
					if connected, _ := v.Value().(bool); !connected {
						c.mu.Lock()
						cb := c.disconnectCb
						c.mu.Unlock()
						if cb != nil {
							cb()
						}
					}
				}
			case iface == bluezCharIface:
				v, ok := changed["Value"]
				if !ok {
					continue
				}
				value, ok := v.Value().([]byte)
				if !ok {
					continue
				}
				c.mu.Lock()
				h := c.handlers[sig.Path]
				c.mu.Unlock()
				if h != nil {
					h(value)
				}
			}
		}
	}
}

type charInfo struct {
	path  dbus.ObjectPath
	uuid  string
	props Properties
}

type bluezCharacteristic struct {
	conn *bluezConnection
	info charInfo
}

func (c *bluezCharacteristic) UUID() string           { return c.info.uuid }
func (c *bluezCharacteristic) Properties() Properties { return c.info.props }

func (c *bluezCharacteristic) Write(data []byte) error {
	writeType := "command"
	if c.info.props&PropWrite != 0 {
		writeType = "request"
	}
	opts := map[string]interface{}{"type": writeType}
	obj := c.conn.bus.Object(bluezBusName, c.info.path)
	return obj.Call(bluezCharIface+".WriteValue", 0, data, opts).Err
}

func (c *bluezCharacteristic) Subscribe(cb func([]byte)) error {
	c.conn.setHandler(c.info.path, cb)
	obj := c.conn.bus.Object(bluezBusName, c.info.path)
	if err := obj.Call(bluezCharIface+".StartNotify", 0).Err; err != nil {
		return fmt.Errorf("ble: start notify %s: %w", c.info.uuid, err)
	}
	return nil
}

// collectCharacteristics returns the characteristics below device in path
// order, which follows the peripheral's attribute handles.
func collectCharacteristics(objects managedObjects, device dbus.ObjectPath) []charInfo {
	prefix := string(device) + "/"
	var infos []charInfo
	for path, ifaces := range objects {
		props, ok := ifaces[bluezCharIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		info := charInfo{path: path}
		if v, ok := props["UUID"]; ok {
			s, _ := v.Value().(string)
			info.uuid = normalizeUUID(s)
		}
		if v, ok := props["Flags"]; ok {
			flags, _ := v.Value().([]string)
			info.props = parseFlags(flags)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].path < infos[j].path })
	return infos
}

func parseFlags(flags []string) Properties {
	var p Properties
	for _, f := range flags {
		switch f {
		case "read":
			p |= PropRead
		case "write", "reliable-write":
			p |= PropWrite
		case "write-without-response":
			p |= PropWriteNoResponse
		case "notify", "indicate":
			p |= PropNotify
		}
	}
	return p
}

func applyDeviceProps(adv *Advertisement, props map[string]dbus.Variant) {
	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			adv.Address = s
		}
	}
	if v, ok := props["Name"]; ok {
		if s, ok := v.Value().(string); ok {
			adv.LocalName = s
		}
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			adv.RSSI = int(rssi)
		}
	}
}

// devicePath maps "AA:BB:CC:DD:EE:FF" to <adapter>/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

// addressFromPath is the inverse of devicePath.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

func parsePropertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	return iface, changed, true
}

func getManagedObjects(bus *dbus.Conn) (managedObjects, error) {
	objects := make(managedObjects)
	obj := bus.Object(bluezBusName, "/")
	if err := obj.Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: get managed objects: %w", err)
	}
	return objects, nil
}

func addMatch(bus *dbus.Conn, rule string) error {
	if err := bus.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("ble: add match %q: %w", rule, err)
	}
	return nil
}

func removeMatch(bus *dbus.Conn, rule string) {
	if err := bus.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err; err != nil {
		slog.Debug("[BLE] remove match failed", "rule", rule, "error", err)
	}
}
