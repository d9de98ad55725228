package session

// ConnectionState is the single source of truth for the live connection. It
// is owned and mutated only by the Manager; everything else observes it via
// State snapshots and StateChangedEvent.
type ConnectionState int

const (
	// StateDisconnected is the idle state, before connecting or after a
	// clean disconnect.
	StateDisconnected ConnectionState = iota
	// StateConnecting is the window between dialing and setup completion.
	StateConnecting
	// StateConnected means the setup handshake finished and audio may flow.
	StateConnected
	// StateReconnecting is the backoff wait before a retry attempt.
	StateReconnecting
	// StateError records a failed attempt. It is terminal only once the
	// retry budget is exhausted; ForceReconnect leaves it.
	StateError
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
