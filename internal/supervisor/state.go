package supervisor

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	// StateDegraded means the venue rejected the subscription.
	// The supervisor stops reconnecting until shutdown.
	StateDegraded
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CanTransition reports whether s -> to is a legal edge.
func (s State) CanTransition(to State) bool {
	if s == StateStopped {
		return false
	}
	if to == StateStopped {
		return true
	}

	switch s {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateSubscribing || to == StateDisconnected
	case StateSubscribing:
		return to == StateStreaming || to == StateDisconnected || to == StateDegraded
	case StateStreaming:
		return to == StateDisconnected
	default:
		return false
	}
}
