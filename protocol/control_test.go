package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseControl(t *testing.T) {
	m, err := ParseControl([]byte(`{"type":"control_handshake","version":"0.2.1","hostname":"devbox","username":"sam","workingDir":"/home/sam/proj"}`))
	if err != nil {
		t.Fatalf("ParseControl(handshake) failed: %v", err)
	}
	hs, ok := m.(ControlHandshake)
	if !ok {
		t.Fatalf("expected ControlHandshake, got %#v", m)
	}
	if hs.Version != "0.2.1" || hs.Hostname != "devbox" || hs.WorkingDir != "/home/sam/proj" {
		t.Fatalf("handshake mismatch: %#v", hs)
	}

	m, err = ParseControl([]byte(`{"type":"terminal_started","name":"term-1","requestId":"r1","success":true}`))
	if err != nil {
		t.Fatalf("ParseControl(terminal_started) failed: %v", err)
	}
	ts := m.(TerminalStarted)
	if ts.Name != "term-1" || ts.RequestID != "r1" || !ts.Success {
		t.Fatalf("terminal_started mismatch: %#v", ts)
	}

	m, err = ParseControl([]byte(`{"type":"terminal_closed","name":"term-1","exitCode":130}`))
	if err != nil {
		t.Fatalf("ParseControl(terminal_closed) failed: %v", err)
	}
	tc := m.(TerminalClosed)
	if tc.Name != "term-1" || tc.ExitCode != 130 {
		t.Fatalf("terminal_closed mismatch: %#v", tc)
	}

	if _, err := ParseControl([]byte(`{"type":"start_terminal"}`)); err == nil {
		t.Fatal("expected error for relay-side type on producer path")
	}
	if _, err := ParseControl([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestEncodeControlMessages(t *testing.T) {
	var st StartTerminal
	if err := json.Unmarshal(EncodeStartTerminal("main", 80, 24, "r7"), &st); err != nil {
		t.Fatalf("unmarshal start_terminal failed: %v", err)
	}
	if st.Type != TypeStartTerminal || st.Name != "main" || st.Cols != 80 || st.Rows != 24 || st.RequestID != "r7" {
		t.Fatalf("start_terminal mismatch: %#v", st)
	}

	sig := 15
	var ct CloseTerminal
	if err := json.Unmarshal(EncodeCloseTerminal("main", &sig), &ct); err != nil {
		t.Fatalf("unmarshal close_terminal failed: %v", err)
	}
	if ct.Type != TypeCloseTerminal || ct.Signal == nil || *ct.Signal != 15 {
		t.Fatalf("close_terminal mismatch: %#v", ct)
	}

	// Signal is omitted entirely when unset.
	raw := EncodeCloseTerminal("main", nil)
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal close_terminal failed: %v", err)
	}
	if _, present := fields["signal"]; present {
		t.Fatalf("signal should be omitted: %s", raw)
	}
}

func TestParseSetup(t *testing.T) {
	s, err := ParseSetup([]byte(`{"type":"setup","action":"new","name":"scratch","cols":100,"rows":30}`))
	if err != nil {
		t.Fatalf("ParseSetup failed: %v", err)
	}
	if s.Action != ActionNew || s.Name != "scratch" || s.Cols != 100 {
		t.Fatalf("setup mismatch: %#v", s)
	}

	if _, err := ParseSetup([]byte(`{"type":"input","data":"x"}`)); err == nil {
		t.Fatal("expected error for non-setup first message")
	}
	if _, err := ParseSetup([]byte(`{"type":"setup","action":"spectate"}`)); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestParseViewerMessage(t *testing.T) {
	m, err := ParseViewerMessage([]byte(`{"type":"input","data":"ls\n"}`))
	if err != nil {
		t.Fatalf("ParseViewerMessage(input) failed: %v", err)
	}
	if in := m.(ViewerInput); in.Data != "ls\n" {
		t.Fatalf("input mismatch: %#v", in)
	}

	m, err = ParseViewerMessage([]byte(`{"type":"resize","cols":90,"rows":28}`))
	if err != nil {
		t.Fatalf("ParseViewerMessage(resize) failed: %v", err)
	}
	if r := m.(ViewerResize); r.Cols != 90 || r.Rows != 28 {
		t.Fatalf("resize mismatch: %#v", r)
	}

	if _, err := ParseViewerMessage([]byte(`{"type":"setup","action":"new"}`)); err == nil {
		t.Fatal("expected error for setup after handshake")
	}
}

func TestParseRoomClientMessage(t *testing.T) {
	m, err := ParseRoomClientMessage([]byte(`{"type":"panel_select","panel":"left","sessionId":"s1","terminalName":"main"}`))
	if err != nil {
		t.Fatalf("ParseRoomClientMessage(panel_select) failed: %v", err)
	}
	ps := m.(PanelSelect)
	if ps.Panel != PanelLeft || ps.SessionID != "s1" || ps.TerminalName != "main" {
		t.Fatalf("panel_select mismatch: %#v", ps)
	}

	if _, err := ParseRoomClientMessage([]byte(`{"type":"panel_select","panel":"center","sessionId":"s1"}`)); err == nil {
		t.Fatal("expected error for invalid panel")
	}

	m, err = ParseRoomClientMessage([]byte(`{"type":"add_session","sessionId":"s2"}`))
	if err != nil {
		t.Fatalf("ParseRoomClientMessage(add_session) failed: %v", err)
	}
	if a := m.(AddSession); a.SessionID != "s2" {
		t.Fatalf("add_session mismatch: %#v", a)
	}

	m, err = ParseRoomClientMessage([]byte(`{"type":"close_terminal","sessionId":"s2","terminalName":"main"}`))
	if err != nil {
		t.Fatalf("ParseRoomClientMessage(close_terminal) failed: %v", err)
	}
	if c := m.(CloseTerminalRequest); c.SessionID != "s2" || c.TerminalName != "main" {
		t.Fatalf("close_terminal mismatch: %#v", c)
	}

	if _, err := ParseRoomClientMessage([]byte(`{"type":"jam_state"}`)); err == nil {
		t.Fatal("expected error for server-side type from client")
	}
}
