// Package bridge exposes a session's event bus and commands over WebSocket so
// an external front end can drive the hub. Each client receives every event
// as a JSON message and may send JSON commands.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/soundleap-link/internal/ble"
)

const (
	writeTimeout   = 2 * time.Second
	clientBuffer   = 32
	eventBuffer    = 64
	shutdownPeriod = 3 * time.Second
)

// Controller is the session surface the bridge drives.
type Controller interface {
	Bus() *ble.Bus
	State() ble.ConnectionState
	StartScan(ctx context.Context, code string) error
	StopScan()
	Connect(dev ble.Device) error
	Disconnect()
	Write(ctx context.Context, payload []byte) error
	RunTransfer(ctx context.Context, t ble.Transfer) error
	CancelGame(ctx context.Context) error
}

var _ Controller = (*ble.Session)(nil)

// Server fans session events out to WebSocket clients and runs their
// commands against the controller.
type Server struct {
	ctrl     Controller
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

// New creates a Server for ctrl. Call Run to start forwarding events.
func New(ctrl Controller) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP routes: the WebSocket endpoint at /ws and a plain
// status page at /.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "soundleap-link bridge\nstate: %s\nclients: %d\nconnect via WebSocket at /ws\n",
			s.ctrl.State(), s.ClientCount())
	})
	return mux
}

// Run forwards bus events to clients until ctx is done, then disconnects
// every client.
func (s *Server) Run(ctx context.Context) error {
	events, unsubscribe := s.ctrl.Bus().Subscribe(eventBuffer)
	defer unsubscribe()
	defer s.closeAll()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Broadcast(eventMessage(ev))
		case <-ctx.Done():
			return nil
		}
	}
}

// ListenAndServe serves the bridge on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("[BRIDGE] listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
		defer cancel()
		s.cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close aborts in-flight commands and disconnects every client.
func (s *Server) Close() {
	s.cancel()
	s.closeAll()
	s.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast queues m for every client. Clients whose queue is full miss it.
func (s *Server) Broadcast(m Message) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.enqueue(m)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[BRIDGE] websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: ws,
		send: make(chan Message, clientBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	slog.Info("[BRIDGE] client connected", "client", c.id, "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()

	c.enqueue(Message{Type: TypeHello, Client: c.id, State: s.ctrl.State().String()})
	s.readLoop(c)

	s.remove(c)
	slog.Info("[BRIDGE] client disconnected", "client", c.id)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (s *Server) readLoop(c *client) {
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("[BRIDGE] read failed", "client", c.id, "error", err)
			}
			return
		}
		slog.Debug("[BRIDGE] command", "client", c.id, "type", cmd.Type, "id", cmd.ID)

		// Writes and transfers block on the session worker; run them off the
		// read loop so a cancel can still get through.
		switch cmd.Type {
		case CmdWrite, CmdTransfer, CmdCancel:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				c.enqueue(s.reply(cmd, s.execute(cmd)))
			}()
		default:
			c.enqueue(s.reply(cmd, s.execute(cmd)))
		}
	}
}

func (s *Server) execute(cmd Command) error {
	ctx := s.ctx
	switch cmd.Type {
	case CmdScan:
		return s.ctrl.StartScan(ctx, cmd.Code)
	case CmdStopScan:
		s.ctrl.StopScan()
		return nil
	case CmdConnect:
		if cmd.Device == nil || cmd.Device.ID == "" {
			return errors.New("bridge: connect requires device.id")
		}
		return s.ctrl.Connect(ble.Device{ID: cmd.Device.ID, Name: cmd.Device.Name})
	case CmdDisconnect:
		s.ctrl.Disconnect()
		return nil
	case CmdWrite:
		if len(cmd.Data) == 0 {
			return errors.New("bridge: write requires data")
		}
		return s.ctrl.Write(ctx, cmd.Data)
	case CmdTransfer:
		return s.ctrl.RunTransfer(ctx, ble.Transfer{Config: cmd.Config, Code: cmd.Game})
	case CmdCancel:
		return s.ctrl.CancelGame(ctx)
	case CmdState:
		return nil
	default:
		return fmt.Errorf("bridge: unknown command %q", cmd.Type)
	}
}

func (s *Server) reply(cmd Command, err error) Message {
	m := Message{
		Type:    TypeResult,
		ID:      cmd.ID,
		Command: cmd.Type,
		OK:      err == nil,
		State:   s.ctrl.State().String(),
	}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (c *client) enqueue(m Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- m:
	case <-c.done:
	default:
		slog.Warn("[BRIDGE] client queue full, dropping message", "client", c.id, "type", m.Type)
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case m := <-c.send:
			// Set write deadline to prevent slow clients from blocking too long
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(m); err != nil {
				slog.Debug("[BRIDGE] write failed", "client", c.id, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
