package protocol

import (
	"encoding/json"
	"fmt"
)

// The control channel carries UTF-8 JSON, one message per websocket text
// frame. Messages are tagged with a "type" field.

// Control message types.
const (
	TypeStartTerminal    = "start_terminal"
	TypeCloseTerminal    = "close_terminal"
	TypeControlHandshake = "control_handshake"
	TypeTerminalStarted  = "terminal_started"
	TypeTerminalClosed   = "terminal_closed"
)

// UserRef identifies an authenticated user on the wire.
type UserRef struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
}

// StartTerminal asks the producer to spawn a terminal. The name is advisory;
// the producer assigns the real name in its terminal_started response.
type StartTerminal struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	RequestID string `json:"requestId"`
}

// CloseTerminal asks the producer to close a terminal, optionally with a
// specific signal.
type CloseTerminal struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Signal *int   `json:"signal,omitempty"`
}

// ControlHandshake is the producer's first control-channel message.
type ControlHandshake struct {
	Type       string `json:"type"`
	Version    string `json:"version"`
	Hostname   string `json:"hostname,omitempty"`
	Username   string `json:"username,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
}

// TerminalStarted is the producer's response to start_terminal. Name carries
// the producer-assigned terminal name on success.
type TerminalStarted struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// TerminalClosed notifies the relay that a terminal exited.
type TerminalClosed struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	ExitCode int    `json:"exitCode"`
}

type typeTag struct {
	Type string `json:"type"`
}

// ParseControl decodes a producer -> relay control message. Unknown types
// and malformed JSON yield an error; the caller logs and drops the frame.
func ParseControl(b []byte) (any, error) {
	var tag typeTag
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, ErrInvalidJSON
	}
	switch tag.Type {
	case TypeControlHandshake:
		var m ControlHandshake
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		return m, nil
	case TypeTerminalStarted:
		var m TerminalStarted
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		return m, nil
	case TypeTerminalClosed:
		var m TerminalClosed
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ErrInvalidJSON
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown control message type %q", tag.Type)
	}
}

// EncodeStartTerminal builds a relay -> producer start_terminal message.
func EncodeStartTerminal(name string, cols, rows uint16, requestID string) []byte {
	return mustJSON(StartTerminal{
		Type:      TypeStartTerminal,
		Name:      name,
		Cols:      cols,
		Rows:      rows,
		RequestID: requestID,
	})
}

// EncodeCloseTerminal builds a relay -> producer close_terminal message.
func EncodeCloseTerminal(name string, signal *int) []byte {
	return mustJSON(CloseTerminal{Type: TypeCloseTerminal, Name: name, Signal: signal})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
