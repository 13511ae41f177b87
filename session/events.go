package session

import "github.com/saurabhdas/pair-claudeing/protocol"

// Close reasons carried by EventSessionClosed.
const (
	ReasonGraceful = "graceful"
	ReasonTimeout  = "timeout"
	ReasonError    = "error"
)

// EventKind tags a registry event.
type EventKind int

const (
	EventSessionOnline EventKind = iota
	EventSessionOffline
	EventSessionClosed
	EventTerminalClosed
)

func (k EventKind) String() string {
	switch k {
	case EventSessionOnline:
		return "session_online"
	case EventSessionOffline:
		return "session_offline"
	case EventSessionClosed:
		return "session_closed"
	case EventTerminalClosed:
		return "terminal_closed"
	default:
		return "unknown"
	}
}

// Event is published on the registry bus for room brokers to consume.
type Event struct {
	Kind      EventKind
	SessionID string
	Owner     protocol.UserRef

	// Reason is set for EventSessionClosed ("graceful", "timeout", "error")
	// and for EventSessionOffline when the offline state has a cause.
	Reason string

	// Terminal fields, set for EventTerminalClosed.
	TerminalName string
	ExitCode     int
}
