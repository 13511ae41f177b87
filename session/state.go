package session

// State is the lifecycle state of a session.
type State int

const (
	StatePending State = iota // created, no control handshake yet
	StateReady                // control handshake received, no terminals
	StateActive               // at least one terminal exists
	StateClosing              // teardown in progress
	StateClosed               // terminal state
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
