package session

// State is the lifecycle state of the logical broker session.
type State int

const (
	// StateDisconnected is the initial state before Start.
	StateDisconnected State = iota
	// StateConnecting means a handshake is in progress.
	StateConnecting
	// StateConnected means the transport link is live.
	StateConnected
	// StateReconnecting means the link was lost and a backoff timer is
	// running before the next attempt.
	StateReconnecting
	// StateClosed is terminal, entered only by explicit shutdown.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
