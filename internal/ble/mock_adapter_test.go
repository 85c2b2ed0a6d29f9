package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	uuid  string
	props Properties

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	onWrite  func(n int)
	callback func([]byte)
}

func newMockChar(uuid string, props Properties) *mockCharacteristic {
	return &mockCharacteristic{uuid: uuid, props: props}
}

func (c *mockCharacteristic) UUID() string           { return c.uuid }
func (c *mockCharacteristic) Properties() Properties { return c.props }

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	n := len(c.writes)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// Writes returns a copy of every recorded write.
func (c *mockCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// mockConnection simulates a BLE connection. When block is set,
// Characteristics waits until it is closed.
type mockConnection struct {
	block chan struct{}

	mu           sync.Mutex
	chars        []Characteristic
	discoverErr  error
	disconnectCb func()
	disconnects  int
}

// newMockConnection returns a connection exposing a single UART style
// characteristic that is both writable and notifiable.
func newMockConnection() (*mockConnection, *mockCharacteristic) {
	uart := newMockChar(DefaultUARTCharUUID, PropWriteNoResponse|PropNotify)
	return &mockConnection{chars: []Characteristic{uart}}, uart
}

func (c *mockConnection) Characteristics() ([]Characteristic, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	return c.chars, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback as the peripheral
// would when dropping the link.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// connectResult is one scripted outcome of mockAdapter.Connect.
type connectResult struct {
	conn *mockConnection
	err  error
}

// mockAdapter simulates a BLE adapter. Connect calls consume results in
// order; when gate is set, Connect blocks until a result is sent on it.
type mockAdapter struct {
	mu       sync.Mutex
	enabled  bool
	adverts  []Advertisement
	scanErr  error
	results  []connectResult
	gate     chan connectResult
	connects []string
	scans    int
	active   int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{enabled: true}
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

func (a *mockAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *mockAdapter) Scan(ctx context.Context, fn func(Advertisement)) error {
	a.mu.Lock()
	a.scans++
	adverts := append([]Advertisement(nil), a.adverts...)
	err := a.scanErr
	if err == nil {
		a.active++
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() {
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	}()
	for _, adv := range adverts {
		fn(adv)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	a.mu.Lock()
	a.connects = append(a.connects, id)
	gate := a.gate
	var res connectResult
	scripted := false
	if gate == nil && len(a.results) > 0 {
		res, a.results = a.results[0], a.results[1:]
		scripted = true
	}
	a.mu.Unlock()

	if gate != nil {
		select {
		case res = <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if !scripted {
		return nil, errors.New("mock: no scripted connect result")
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.conn, nil
}

// ActiveScans returns the number of Scan calls that have not returned.
func (a *mockAdapter) ActiveScans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *mockAdapter) script(results ...connectResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, results...)
}

func (a *mockAdapter) Connects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.connects...)
}

// recordedSleep replaces Session.sleep, logging each requested delay and
// returning at once unless ctx is already done. hook, when set, runs with
// the index of each sleep before ctx is checked.
type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(i int)
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	i := len(r.delays)
	r.delays = append(r.delays, d)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(i)
	}
	return ctx.Err()
}

func (r *recordedSleep) setHook(fn func(i int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

func (r *recordedSleep) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

var testDevice = Device{ID: "AA:BB:CC:DD:EE:FF", Name: "SL-482913"}

// newTestSession creates a session on adapter with recorded sleeps and
// registers cleanup.
func newTestSession(t *testing.T, adapter Adapter, opts SessionOptions) (*Session, *recordedSleep) {
	t.Helper()
	s := NewSession(adapter, NewBus(), opts)
	rec := &recordedSleep{}
	s.sleep = rec.sleep
	t.Cleanup(func() { s.Close() })
	return s, rec
}

// waitState waits up to two seconds for one of states.
func waitState(t *testing.T, s *Session, states ...ConnectionState) ConnectionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := s.WaitForState(ctx, states...)
	if err != nil {
		t.Fatalf("WaitForState(%v): %v (state %v)", states, err, st)
	}
	return st
}

// connectReady connects s to a fresh mock connection and waits for
// ServicesReady.
func connectReady(t *testing.T, s *Session, a *mockAdapter) (*mockConnection, *mockCharacteristic) {
	t.Helper()
	conn, uart := newMockConnection()
	a.script(connectResult{conn: conn})
	if err := s.Connect(testDevice); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, s, ServicesReady)
	return conn, uart
}

// eventually polls cond for up to two seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
