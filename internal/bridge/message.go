package bridge

import "github.com/chaz8081/soundleap-link/internal/ble"

// Outgoing message types. Event messages reuse ble.EventType names.
const (
	TypeHello  = "hello"
	TypeResult = "result"
)

// Command types accepted from clients.
const (
	CmdScan       = "scan"
	CmdStopScan   = "stop_scan"
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdWrite      = "write"
	CmdTransfer   = "transfer"
	CmdCancel     = "cancel"
	CmdState      = "state"
)

// DeviceInfo is a matched hub as sent over the wire.
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is sent to clients: events, the hello greeting and command results.
type Message struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Client  string            `json:"client,omitempty"`
	Command string            `json:"command,omitempty"`
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
	State   string            `json:"state,omitempty"`
	Device  *DeviceInfo       `json:"device,omitempty"`
	Status  *int              `json:"status,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Command is received from clients. Binary payloads are base64 in JSON.
type Command struct {
	ID     string      `json:"id,omitempty"`
	Type   string      `json:"type"`
	Code   string      `json:"code,omitempty"`   // pairing code for scan
	Device *DeviceInfo `json:"device,omitempty"` // connect target
	Data   []byte      `json:"data,omitempty"`   // raw write
	Config []byte      `json:"config,omitempty"` // transfer configuration
	Game   []byte      `json:"game,omitempty"`   // transfer game code
}

func eventMessage(ev ble.Event) Message {
	m := Message{Type: ev.Type.String()}
	switch ev.Type {
	case ble.EventDeviceFound:
		m.Device = &DeviceInfo{ID: ev.Device.ID, Name: ev.Device.Name}
	case ble.EventStateChanged:
		m.State = ev.State.String()
	case ble.EventStatus:
		v := ev.Status.Value
		m.Status = &v
		m.Fields = ev.Status.Fields
	case ble.EventGameEnded:
		v := ev.Status.Value
		m.Status = &v
	}
	return m
}
