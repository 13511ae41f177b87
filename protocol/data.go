package protocol

import (
	"encoding/json"
	"errors"
)

// Producer data channels carry binary frames whose first byte selects the
// kind; the remainder is the payload. There is no length prefix because the
// websocket framing already bounds each message.

// Relay -> producer prefixes.
const (
	PrefixInput           = 0x30 // raw keystrokes for the pty
	PrefixResize          = 0x31 // JSON {cols,rows}
	PrefixPause           = 0x32 // pause pty output
	PrefixResume          = 0x33 // resume pty output
	PrefixSnapshotRequest = 0x34 // JSON {requestId}
)

// Producer -> relay prefixes.
const (
	PrefixOutput        = 0x30 // raw pty output
	PrefixDataHandshake = 0x31 // JSON handshake/metadata
	PrefixExit          = 0x32 // JSON integer exit code
	PrefixSnapshot      = 0x33 // JSON screen snapshot
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrUnknownPrefix = errors.New("unknown frame prefix")
	ErrInvalidJSON   = errors.New("invalid frame json")
)

// Resize carries terminal dimensions.
type Resize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// DataHandshake is the producer's first message on a terminal data channel.
type DataHandshake struct {
	Version string `json:"version"`
	Shell   string `json:"shell"`
	Cols    uint16 `json:"cols,omitempty"`
	Rows    uint16 `json:"rows,omitempty"`
}

// SnapshotRequest asks the producer to serialize the current screen state.
type SnapshotRequest struct {
	RequestID string `json:"requestId"`
}

// Snapshot is the producer's serialized screen state for a terminal. Screen
// is raw bytes; encoding/json carries it as base64 on the wire.
type Snapshot struct {
	RequestID string `json:"requestId"`
	Screen    []byte `json:"screen"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	CursorX   int    `json:"cursorX"`
	CursorY   int    `json:"cursorY"`
}

// ProducerFrame is a decoded producer -> relay data-channel frame.
type ProducerFrame interface{ producerFrame() }

// OutputFrame carries raw pty output bytes.
type OutputFrame struct{ Data []byte }

// HandshakeFrame carries the data-channel handshake.
type HandshakeFrame struct{ Handshake DataHandshake }

// ExitFrame reports the pty process exit code.
type ExitFrame struct{ Code int }

// SnapshotFrame carries a screen snapshot response.
type SnapshotFrame struct{ Snapshot Snapshot }

func (OutputFrame) producerFrame()    {}
func (HandshakeFrame) producerFrame() {}
func (ExitFrame) producerFrame()      {}
func (SnapshotFrame) producerFrame()  {}

// ParseProducerFrame decodes a producer -> relay binary frame. It fails
// closed: empty frames, unknown prefixes, and malformed JSON payloads all
// return an error so the caller can log and drop the frame.
func ParseProducerFrame(b []byte) (ProducerFrame, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}
	payload := b[1:]
	switch b[0] {
	case PrefixOutput:
		data := make([]byte, len(payload))
		copy(data, payload)
		return OutputFrame{Data: data}, nil
	case PrefixDataHandshake:
		var hs DataHandshake
		if err := json.Unmarshal(payload, &hs); err != nil {
			return nil, ErrInvalidJSON
		}
		return HandshakeFrame{Handshake: hs}, nil
	case PrefixExit:
		var code int
		if err := json.Unmarshal(payload, &code); err != nil {
			return nil, ErrInvalidJSON
		}
		return ExitFrame{Code: code}, nil
	case PrefixSnapshot:
		var snap Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, ErrInvalidJSON
		}
		return SnapshotFrame{Snapshot: snap}, nil
	default:
		return nil, ErrUnknownPrefix
	}
}

// RelayFrame is a decoded relay -> producer data-channel frame.
type RelayFrame interface{ relayFrame() }

// InputFrame carries raw keystrokes for the pty.
type InputFrame struct{ Data []byte }

// ResizeFrame changes the pty dimensions.
type ResizeFrame struct{ Resize Resize }

// PauseFrame suspends pty output.
type PauseFrame struct{}

// ResumeFrame resumes pty output.
type ResumeFrame struct{}

// SnapshotRequestFrame asks for a screen snapshot.
type SnapshotRequestFrame struct{ Request SnapshotRequest }

func (InputFrame) relayFrame()           {}
func (ResizeFrame) relayFrame()          {}
func (PauseFrame) relayFrame()           {}
func (ResumeFrame) relayFrame()          {}
func (SnapshotRequestFrame) relayFrame() {}

// ParseRelayFrame decodes a relay -> producer binary frame.
func ParseRelayFrame(b []byte) (RelayFrame, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}
	payload := b[1:]
	switch b[0] {
	case PrefixInput:
		data := make([]byte, len(payload))
		copy(data, payload)
		return InputFrame{Data: data}, nil
	case PrefixResize:
		var r Resize
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, ErrInvalidJSON
		}
		return ResizeFrame{Resize: r}, nil
	case PrefixPause:
		return PauseFrame{}, nil
	case PrefixResume:
		return ResumeFrame{}, nil
	case PrefixSnapshotRequest:
		var req SnapshotRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, ErrInvalidJSON
		}
		return SnapshotRequestFrame{Request: req}, nil
	default:
		return nil, ErrUnknownPrefix
	}
}

func prefixed(prefix byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = prefix
	copy(out[1:], payload)
	return out
}

func prefixedJSON(prefix byte, v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal without error; keep the signature simple.
		panic(err)
	}
	return prefixed(prefix, payload)
}

// EncodeInput builds a relay -> producer input frame.
func EncodeInput(data []byte) []byte { return prefixed(PrefixInput, data) }

// EncodeResize builds a relay -> producer resize frame.
func EncodeResize(cols, rows uint16) []byte {
	return prefixedJSON(PrefixResize, Resize{Cols: cols, Rows: rows})
}

// EncodePause builds a relay -> producer pause frame.
func EncodePause() []byte { return []byte{PrefixPause} }

// EncodeResume builds a relay -> producer resume frame.
func EncodeResume() []byte { return []byte{PrefixResume} }

// EncodeSnapshotRequest builds a relay -> producer snapshot request frame.
func EncodeSnapshotRequest(requestID string) []byte {
	return prefixedJSON(PrefixSnapshotRequest, SnapshotRequest{RequestID: requestID})
}

// EncodeOutput builds a producer -> relay output frame.
func EncodeOutput(data []byte) []byte { return prefixed(PrefixOutput, data) }

// EncodeDataHandshake builds a producer -> relay handshake frame.
func EncodeDataHandshake(hs DataHandshake) []byte {
	return prefixedJSON(PrefixDataHandshake, hs)
}

// EncodeExit builds a producer -> relay exit frame.
func EncodeExit(code int) []byte { return prefixedJSON(PrefixExit, code) }

// EncodeSnapshot builds a producer -> relay snapshot frame.
func EncodeSnapshot(snap Snapshot) []byte { return prefixedJSON(PrefixSnapshot, snap) }
