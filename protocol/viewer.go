package protocol

import (
	"encoding/json"
	"fmt"
)

// Viewer channel message types.
const (
	TypeSetup         = "setup"
	TypeSetupResponse = "setup_response"
	TypeInput         = "input"
	TypeResize        = "resize"
	TypeExit          = "exit"
	TypeDisconnect    = "disconnect"
)

// Setup actions.
const (
	ActionNew    = "new"
	ActionMirror = "mirror"
)

// Disconnect reasons sent to viewers when the producer goes away.
const (
	DisconnectSessionEnded    = "session_ended"
	DisconnectProducerTimeout = "producer_timeout"
)

// Setup is the first message a viewer must send after connecting.
type Setup struct {
	Type      string   `json:"type"`
	Action    string   `json:"action"`
	Name      string   `json:"name"`
	Cols      uint16   `json:"cols,omitempty"`
	Rows      uint16   `json:"rows,omitempty"`
	CreatedBy *UserRef `json:"createdBy,omitempty"`
}

// SetupResponse answers a viewer setup request. Name is the producer-assigned
// terminal name the viewer is now attached to.
type SetupResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ViewerInput carries keystrokes from an interactive viewer.
type ViewerInput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ViewerResize carries a geometry change from an interactive viewer.
type ViewerResize struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ExitNotice tells viewers the terminal's process exited.
type ExitNotice struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

// DisconnectNotice tells viewers the session is going away.
type DisconnectNotice struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ParseSetup decodes and validates a viewer setup message.
func ParseSetup(b []byte) (Setup, error) {
	var s Setup
	if err := json.Unmarshal(b, &s); err != nil {
		return Setup{}, ErrInvalidJSON
	}
	if s.Type != TypeSetup {
		return Setup{}, fmt.Errorf("expected setup, got %q", s.Type)
	}
	if s.Action != ActionNew && s.Action != ActionMirror {
		return Setup{}, fmt.Errorf("invalid setup action %q", s.Action)
	}
	return s, nil
}

// ParseViewerMessage decodes a steady-state viewer text frame. Raw binary
// frames are handled by the caller as terminal input and never reach here.
func ParseViewerMessage(b []byte) (any, error) {
	var tag typeTag
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, ErrInvalidJSON
	}
	switch tag.Type {
	case TypeInput:
		var m ViewerInput
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		return m, nil
	case TypeResize:
		var m ViewerResize
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown viewer message type %q", tag.Type)
	}
}

// EncodeSetupResponse builds a relay -> viewer setup_response message.
func EncodeSetupResponse(r SetupResponse) []byte {
	r.Type = TypeSetupResponse
	return mustJSON(r)
}

// EncodeExitNotice builds a relay -> viewer exit message.
func EncodeExitNotice(code int) []byte {
	return mustJSON(ExitNotice{Type: TypeExit, Code: code})
}

// EncodeDisconnectNotice builds a relay -> viewer disconnect message.
func EncodeDisconnectNotice(reason string) []byte {
	return mustJSON(DisconnectNotice{Type: TypeDisconnect, Reason: reason})
}
