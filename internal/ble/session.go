package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/soundleap-link/internal/ble/protocol"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	SelectPolicy SelectPolicy // write target tie-break (default SelectFirst)
	Timing       TimingPolicy // transfer pacing (zero value means DefaultTimingPolicy)
	QueueSize    int          // loop message buffer (default 64)
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		SelectPolicy: SelectFirst,
		Timing:       DefaultTimingPolicy(),
		QueueSize:    64,
	}
}

// Session owns the connection to one hub. All state transitions happen on a
// single loop goroutine; platform callbacks are posted to it as messages.
// Writes and transfers run on a separate worker goroutine. Close releases
// the radio on every path.
type Session struct {
	adapter Adapter
	bus     *Bus
	opts    SessionOptions
	sleep   func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	msgs      chan message
	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the loop goroutine.
	state   ConnectionState
	attempt uint64
	pending context.CancelFunc // in-flight connect attempt
	link    *link

	stateView    atomic.Int32
	transferring atomic.Bool

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

// NewSession creates a session on adapter and starts its loop and worker.
// Events are published on bus.
func NewSession(adapter Adapter, bus *Bus, opts SessionOptions) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timing == (TimingPolicy{}) {
		opts.Timing = DefaultTimingPolicy()
	}
	opts.Timing = opts.Timing.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		adapter: adapter,
		bus:     bus,
		opts:    opts,
		sleep:   sleepCtx,
		ctx:     ctx,
		cancel:  cancel,
		msgs:    make(chan message, opts.QueueSize),
		jobs:    make(chan job),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.loop()
	go s.worker()
	return s
}

// Bus returns the bus the session publishes on.
func (s *Session) Bus() *Bus { return s.bus }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.stateView.Load())
}

// IsBluetoothEnabled reports whether the adapter's radio is on.
func (s *Session) IsBluetoothEnabled() bool {
	return s.adapter.Enabled()
}

// Connect starts connecting to dev and returns without waiting for the
// result, which is reported through state events. It fails with
// ErrAlreadyConnecting while another attempt is in flight; from any other
// state the previous link is closed first.
func (s *Session) Connect(dev Device) error {
	reply := make(chan error, 1)
	if !s.post(connectMsg{dev: dev, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Disconnect stops scanning, aborts any transfer and releases the
// connection. It is a no-op when already disconnected.
func (s *Session) Disconnect() {
	reply := make(chan struct{})
	if !s.post(disconnectMsg{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-s.done:
	}
}

// WaitForState blocks until the session is in one of states or ctx ends.
func (s *Session) WaitForState(ctx context.Context, states ...ConnectionState) (ConnectionState, error) {
	events, unsubscribe := s.bus.Subscribe(16)
	defer unsubscribe()

	match := func(st ConnectionState) bool {
		for _, want := range states {
			if st == want {
				return true
			}
		}
		return false
	}
	if st := s.State(); match(st) {
		return st, nil
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return s.State(), ErrClosed
			}
			if ev.Type == EventStateChanged && match(ev.State) {
				return ev.State, nil
			}
		case <-ctx.Done():
			return s.State(), ctx.Err()
		case <-s.done:
			return s.State(), ErrClosed
		}
	}
}

// Close disconnects and stops the session's goroutines. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Disconnect()
		s.cancel()
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// post hands m to the loop. It returns false once the session is closed.
func (s *Session) post(m message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.msgs <- m:
		return true
	case <-s.done:
		return false
	}
}

type message any

type connectMsg struct {
	dev   Device
	reply chan error
}

type connectResultMsg struct {
	attempt uint64
	conn    Connection
	err     error
}

type discoveryMsg struct {
	attempt uint64
	sel     Selection
	err     error
}

type disconnectMsg struct {
	reply chan struct{}
}

type linkLostMsg struct {
	attempt uint64
}

type notifyMsg struct {
	attempt uint64
	data    []byte
}

type targetMsg struct {
	reply chan targetReply
}

type targetReply struct {
	link *link
	err  error
}

func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.msgs:
			s.handle(m)
		case <-s.done:
			s.teardown()
			s.drain()
			return
		}
	}
}

// drain closes connections delivered after the loop stopped.
func (s *Session) drain() {
	for {
		select {
		case m := <-s.msgs:
			if r, ok := m.(connectResultMsg); ok && r.conn != nil {
				_ = r.conn.Disconnect()
			}
		default:
			return
		}
	}
}

func (s *Session) handle(m message) {
	switch m := m.(type) {
	case connectMsg:
		m.reply <- s.handleConnect(m.dev)
	case connectResultMsg:
		s.handleConnectResult(m)
	case discoveryMsg:
		s.handleDiscovery(m)
	case disconnectMsg:
		s.handleDisconnect()
		close(m.reply)
	case linkLostMsg:
		s.handleLinkLost(m)
	case notifyMsg:
		s.handleNotify(m)
	case targetMsg:
		m.reply <- s.writeTarget()
	}
}

func (s *Session) handleConnect(dev Device) error {
	if s.state == Connecting {
		return ErrAlreadyConnecting
	}
	s.StopScan()
	s.teardown()

	s.attempt++
	attempt := s.attempt
	ctx, cancel := context.WithCancel(s.ctx)
	s.pending = cancel
	s.setState(Connecting)
	slog.Info("[BLE] connecting", "device", dev.Name, "id", dev.ID, "attempt", attempt)

	go func() {
		conn, err := s.adapter.Connect(ctx, dev.ID)
		if !s.post(connectResultMsg{attempt: attempt, conn: conn, err: err}) && conn != nil {
			_ = conn.Disconnect()
		}
	}()
	return nil
}

func (s *Session) handleConnectResult(m connectResultMsg) {
	if m.attempt != s.attempt || s.state != Connecting {
		if m.conn != nil {
			slog.Debug("[BLE] closing superseded connection", "attempt", m.attempt)
			_ = m.conn.Disconnect()
		}
		return
	}
	if s.pending != nil {
		s.pending()
		s.pending = nil
	}
	if m.err != nil {
		slog.Warn("[BLE] connect failed", "error", m.err, "attempt", m.attempt)
		s.setState(Failed)
		return
	}

	s.link = newLink(s.ctx, m.conn)
	attempt := m.attempt
	m.conn.OnDisconnect(func() {
		s.post(linkLostMsg{attempt: attempt})
	})
	s.setState(Connected)

	conn := m.conn
	linkCtx := s.link.ctx
	policy := s.opts.SelectPolicy
	go func() {
		onNotify := func(data []byte) {
			cp := make([]byte, len(data))
			copy(cp, data)
			s.post(notifyMsg{attempt: attempt, data: cp})
		}
		sel, err := discover(linkCtx, conn, policy, onNotify)
		s.post(discoveryMsg{attempt: attempt, sel: sel, err: err})
	}()
}

func (s *Session) handleDiscovery(m discoveryMsg) {
	if m.attempt != s.attempt || s.state != Connected {
		return
	}
	if m.err != nil {
		slog.Warn("[BLE] service discovery failed", "error", m.err)
		s.teardown()
		s.setState(Failed)
		return
	}
	s.link.setWriteTarget(m.sel.Write)
	s.setState(ServicesReady)
}

func (s *Session) handleDisconnect() {
	s.StopScan()
	if s.state == Disconnected && s.link == nil && s.pending == nil {
		return
	}
	s.teardown()
	s.attempt++
	s.setState(Disconnected)
}

func (s *Session) handleLinkLost(m linkLostMsg) {
	if m.attempt != s.attempt || s.link == nil {
		return
	}
	slog.Warn("[BLE] link lost", "attempt", m.attempt)
	s.teardown()
	s.attempt++
	s.setState(Disconnected)
}

func (s *Session) handleNotify(m notifyMsg) {
	if m.attempt != s.attempt {
		return
	}
	ev, err := protocol.DecodeStatus(m.data)
	if err != nil {
		slog.Warn("[BLE] dropping malformed notification", "error", err)
		return
	}
	if ev.Ended {
		slog.Info("[BLE] game ended")
		s.bus.Publish(Event{Type: EventGameEnded, Status: ev})
		return
	}
	slog.Debug("[BLE] game status", "value", ev.Value)
	s.bus.Publish(Event{Type: EventStatus, Status: ev})
}

func (s *Session) writeTarget() targetReply {
	if s.state != ServicesReady || s.link == nil {
		return targetReply{err: ErrNotReady}
	}
	if !s.link.hasWriteTarget() {
		return targetReply{err: ErrNoWritableCharacteristic}
	}
	return targetReply{link: s.link}
}

// teardown cancels a pending attempt and releases the current link.
func (s *Session) teardown() {
	if s.pending != nil {
		s.pending()
		s.pending = nil
	}
	if s.link != nil {
		if err := s.link.close(); err != nil {
			slog.Debug("[BLE] disconnect returned error", "error", err)
		}
		s.link = nil
	}
}

func (s *Session) setState(st ConnectionState) {
	if st == s.state {
		return
	}
	slog.Info("[BLE] state changed", "from", s.state, "to", st)
	s.state = st
	s.stateView.Store(int32(st))
	s.bus.Publish(Event{Type: EventStateChanged, State: st})
}

// acquireLink asks the loop for the current write target.
func (s *Session) acquireLink() (*link, error) {
	reply := make(chan targetReply, 1)
	if !s.post(targetMsg{reply: reply}) {
		return nil, ErrClosed
	}
	select {
	case r := <-reply:
		return r.link, r.err
	case <-s.done:
		return nil, ErrClosed
	}
}

// StartScan scans for the hub advertising code until ctx ends or StopScan
// is called. Each matching address is published once per scan as
// EventDeviceFound. A running scan is replaced.
func (s *Session) StartScan(ctx context.Context, code string) error {
	m, err := NewMatcher(code)
	if err != nil {
		return err
	}

	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	s.stopScanLocked()

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.scanCancel = cancel
	s.scanDone = done

	slog.Info("[BLE] scanning", "name", m.Name())
	go func() {
		defer close(done)
		var mu sync.Mutex
		seen := make(map[string]bool)
		err := s.adapter.Scan(scanCtx, func(adv Advertisement) {
			dev, ok := m.Match(adv)
			if !ok {
				return
			}
			mu.Lock()
			dup := seen[dev.ID]
			seen[dev.ID] = true
			mu.Unlock()
			if dup {
				return
			}
			slog.Info("[BLE] device found", "name", dev.Name, "id", dev.ID, "rssi", adv.RSSI)
			s.bus.Publish(Event{Type: EventDeviceFound, Device: dev})
		})
		if err != nil && !errors.Is(err, context.Canceled) && scanCtx.Err() == nil {
			slog.Error("[BLE] scan failed", "error", err)
		}
	}()
	return nil
}

// StopScan stops a running scan and waits for it to finish.
func (s *Session) StopScan() {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	s.stopScanLocked()
}

// stopScanLocked must be called with scanMu held.
func (s *Session) stopScanLocked() {
	cancel, done := s.scanCancel, s.scanDone
	s.scanCancel, s.scanDone = nil, nil
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Debug("[BLE] scan stopped")
}
