package gateway

// State is the lifecycle position of one realtime connection.
//
//	Connecting -> Authenticating -> Rejected
//	                             -> Active -> Disconnected
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRejected
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRejected:
		return "rejected"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// validTransition reports whether a connection may move from one state
// to the next.
func validTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateAuthenticating
	case StateAuthenticating:
		return to == StateRejected || to == StateActive
	case StateActive:
		return to == StateDisconnected
	default:
		return false
	}
}
