package ble

import "fmt"

// ConnectionState is the state of the session's link to the hub.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	ServicesReady
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServicesReady:
		return "services-ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

