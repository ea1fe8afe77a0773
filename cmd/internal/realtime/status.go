package realtime

import (
	"time"

	"github.com/coder/websocket"
)

// State is the connection lifecycle of the single gateway transport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// StatusChange is published on every state transition. Attempt counts
// consecutive failed connect cycles and is 0 while connected.
type StatusChange struct {
	State   State
	Attempt int
}

// OpenEvent is published once per successful dial.
type OpenEvent struct {
	URL string
}

// CloseEvent is published when a transport goes away. Intentional marks
// a client-initiated Disconnect as opposed to a drop.
type CloseEvent struct {
	Code        websocket.StatusCode
	Reason      string
	Intentional bool
}

// ErrorEvent carries a transport-level failure (dial, read, write).
type ErrorEvent struct {
	Op  string
	Err error
}

// StateSnapshot is a point-in-time view of the manager.
type StateSnapshot struct {
	State     State
	Attempt   int
	LastFrame time.Time
	Queued    int
}

// stateGauge maps states to the connection-state metric value.
func stateGauge(s State) int {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateError:
		return 3
	default:
		return 0
	}
}
