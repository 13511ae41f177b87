package protocol

import (
	"encoding/json"
	"fmt"
)

// Room channel message types, relay -> participant.
const (
	TypeJamState             = "jam_state"
	TypeParticipantUpdate    = "participant_update"
	TypeSessionPoolUpdate    = "session_pool_update"
	TypePanelStateUpdate     = "panel_state_update"
	TypeSessionStatusUpdate  = "session_status_update"
	TypeTerminalClosedUpdate = "terminal_closed_update"
	TypeRoomError            = "error"
)

// Room channel message types, participant -> relay.
const (
	TypePanelSelect          = "panel_select"
	TypeAddSession           = "add_session"
	TypeRemoveSession        = "remove_session"
	TypeCloseTerminalRequest = "close_terminal"
)

// Room panels.
const (
	PanelLeft  = "left"
	PanelRight = "right"
)

// Session statuses pushed to rooms.
const (
	SessionStatusOnline  = "online"
	SessionStatusOffline = "offline"
	SessionStatusClosed  = "closed"
)

// PanelSelection points a panel at one terminal of a pooled session.
type PanelSelection struct {
	SessionID    string `json:"sessionId"`
	TerminalName string `json:"terminalName,omitempty"`
}

// PanelState is the shared two-panel view of a room.
type PanelState struct {
	Left  *PanelSelection `json:"left,omitempty"`
	Right *PanelSelection `json:"right,omitempty"`
}

// ParticipantInfo describes one room member in a jam_state snapshot.
type ParticipantInfo struct {
	User      UserRef `json:"user"`
	Owner     bool    `json:"owner"`
	Connected bool    `json:"connected"`
}

// PoolSessionInfo describes one pooled session, enriched with live status.
type PoolSessionInfo struct {
	SessionID  string  `json:"sessionId"`
	AddedBy    UserRef `json:"addedBy"`
	Hostname   string  `json:"hostname,omitempty"`
	WorkingDir string  `json:"workingDir,omitempty"`
	Status     string  `json:"status"`
}

// JamState is the initial snapshot sent to a participant on connect.
type JamState struct {
	Type         string            `json:"type"`
	RoomID       string            `json:"roomId"`
	Owner        UserRef           `json:"owner"`
	Participants []ParticipantInfo `json:"participants"`
	Sessions     []PoolSessionInfo `json:"sessions"`
	Panels       PanelState        `json:"panels"`
}

// ParticipantUpdate announces a join or leave.
type ParticipantUpdate struct {
	Type   string  `json:"type"`
	Action string  `json:"action"` // "joined" or "left"
	User   UserRef `json:"user"`
}

// SessionPoolUpdate announces a pool addition or removal.
type SessionPoolUpdate struct {
	Type    string          `json:"type"`
	Action  string          `json:"action"` // "added" or "removed"
	Session PoolSessionInfo `json:"session"`
}

// PanelStateUpdate broadcasts the shared panel state after a change.
type PanelStateUpdate struct {
	Type   string     `json:"type"`
	Panels PanelState `json:"panels"`
}

// SessionStatusUpdate reflects a registry lifecycle event into the room.
type SessionStatusUpdate struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// TerminalClosedUpdate reports a terminal exit for a pooled session.
type TerminalClosedUpdate struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	TerminalName string `json:"terminalName"`
	ExitCode     int    `json:"exitCode"`
}

// RoomError reports a rejected client operation.
type RoomError struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// PanelSelect asks to point a shared panel at a session/terminal.
type PanelSelect struct {
	Type         string `json:"type"`
	Panel        string `json:"panel"`
	SessionID    string `json:"sessionId"`
	TerminalName string `json:"terminalName,omitempty"`
}

// AddSession asks to add a session the caller owns to the room pool.
type AddSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// RemoveSession asks to remove a session from the room pool.
type RemoveSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// CloseTerminalRequest asks the relay to close a terminal of an owned session.
type CloseTerminalRequest struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	TerminalName string `json:"terminalName"`
}

// ParseRoomClientMessage decodes a participant -> relay message.
func ParseRoomClientMessage(b []byte) (any, error) {
	var tag typeTag
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, ErrInvalidJSON
	}
	switch tag.Type {
	case TypePanelSelect:
		var m PanelSelect
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		if m.Panel != PanelLeft && m.Panel != PanelRight {
			return nil, fmt.Errorf("invalid panel %q", m.Panel)
		}
		return m, nil
	case TypeAddSession:
		var m AddSession
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		return m, nil
	case TypeRemoveSession:
		var m RemoveSession
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		return m, nil
	case TypeCloseTerminalRequest:
		var m CloseTerminalRequest
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown room message type %q", tag.Type)
	}
}
