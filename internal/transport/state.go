package transport

// State is a state of the MQTT connection.
type State int

const (
	// StateDisconnected is the state before Connect and after Disconnect.
	StateDisconnected State = iota

	// StateConnecting is the state while a connection attempt is in flight.
	StateConnecting

	// StateConnected is the state after the broker acknowledged the
	// connection.
	StateConnected

	// StateBackoff is the state between a lost connection or failed attempt
	// and the next attempt.
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// StateHandlerFunc is called with the previous and the new state on every
// state transition.
type StateHandlerFunc func(from, to State)
