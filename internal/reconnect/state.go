package reconnect

import "sync/atomic"

// State is the liveness state of one logical connection.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateOfflineBuffering
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOfflineBuffering:
		return "offline_buffering"
	default:
		return "unknown"
	}
}

// stateCell holds a State with compare-and-swap transitions.
type stateCell struct {
	v atomic.Uint32
}

func (c *stateCell) get() State {
	return State(c.v.Load())
}

func (c *stateCell) set(s State) {
	c.v.Store(uint32(s))
}

// transitionFrom moves to `to` if the current state is one of from.
func (c *stateCell) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if c.v.CompareAndSwap(uint32(f), uint32(to)) {
			return true
		}
	}
	return false
}
