package ble

import "time"

// ConnectionState is the manager's lifecycle state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// ProgressFunc reports handshake progress in [0, 1] with a short status.
type ProgressFunc func(progress float64, status string)

// ResultFunc receives the outcome of a Connect call; nil means connected.
type ResultFunc func(err error)

// pendingConnection exists only while the manager is Connecting.
type pendingConnection struct {
	id         string
	peripheral Peripheral
	onProgress ProgressFunc
	onResult   ResultFunc
	linkUp     bool
	resolved   bool
	timer      *time.Timer
}

func (p *pendingConnection) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
