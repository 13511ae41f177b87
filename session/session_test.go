package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saurabhdas/pair-claudeing/protocol"
)

type fakeFrame struct {
	text bool
	data []byte
}

// fakeConn records frames and close calls in order.
type fakeConn struct {
	mu          sync.Mutex
	frames      []fakeFrame
	sendErr     error
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeConn) SendText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, fakeFrame{text: true, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, fakeFrame{data: append([]byte(nil), data...)})
	return nil
}

// fail makes subsequent sends return err, like a sender whose pump stopped.
func (f *fakeConn) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		f.closeReason = reason
	}
}

func (f *fakeConn) all() []fakeFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeFrame(nil), f.frames...)
}

func (f *fakeConn) lastText(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].text {
			return f.frames[i].data
		}
	}
	t.Fatal("no text frame recorded")
	return nil
}

func (f *fakeConn) closedWith(t *testing.T) (int, string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		t.Fatal("connection was not closed")
	}
	return f.closeCode, f.closeReason
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventSink) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventSink) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

func testSession(t *testing.T, sink *eventSink) *Session {
	t.Helper()
	opts := Options{
		DefaultCols:     80,
		DefaultRows:     24,
		ReconnectWindow: 30 * time.Second,
		SpawnTimeout:    30 * time.Second,
	}
	if sink != nil {
		opts.Emit = sink.emit
	}
	s := newSession("sess-1", opts)
	t.Cleanup(func() { s.Close(ReasonError) })
	return s
}

func attachProducer(t *testing.T, s *Session) *fakeConn {
	t.Helper()
	control := &fakeConn{}
	if err := s.AttachControl(control, protocol.UserRef{Subject: "u-1", Username: "sam"}); err != nil {
		t.Fatalf("AttachControl() failed: %v", err)
	}
	s.OnControlHandshake(protocol.ControlHandshake{Version: "1", Hostname: "devbox"})
	return control
}

func spawnTerminal(t *testing.T, s *Session, control, viewer *fakeConn, name string) {
	t.Helper()
	reqID, err := s.RequestSpawn(viewer, name, 80, 24, nil)
	if err != nil {
		t.Fatalf("RequestSpawn() failed: %v", err)
	}
	s.OnTerminalStarted(protocol.TerminalStarted{Name: name, RequestID: reqID, Success: true})
}

func TestAttachControlOwnership(t *testing.T) {
	s := testSession(t, nil)

	first := &fakeConn{}
	if err := s.AttachControl(first, protocol.UserRef{Subject: "u-1", Username: "sam"}); err != nil {
		t.Fatalf("AttachControl() failed: %v", err)
	}
	owner, ok := s.Owner()
	if !ok || owner.Subject != "u-1" {
		t.Fatalf("owner = %#v, %v", owner, ok)
	}

	// A second live control is rejected.
	if err := s.AttachControl(&fakeConn{}, protocol.UserRef{Subject: "u-1"}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}

	// After a drop, a different subject is rejected but the owner may return.
	s.DetachControl(1006, "")
	if err := s.AttachControl(&fakeConn{}, protocol.UserRef{Subject: "u-2"}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := s.AttachControl(&fakeConn{}, protocol.UserRef{Subject: "u-1"}); err != nil {
		t.Fatalf("owner reattach failed: %v", err)
	}
	if owner, _ = s.Owner(); owner.Subject != "u-1" {
		t.Fatalf("owner changed: %#v", owner)
	}
}

func TestControlHandshakeMarksReady(t *testing.T) {
	sink := &eventSink{}
	s := testSession(t, sink)
	attachProducer(t, s)

	if got := s.State(); got != StateReady {
		t.Fatalf("state = %v, want ready", got)
	}
	evs := sink.all()
	if len(evs) != 1 || evs[0].Kind != EventSessionOnline || evs[0].Owner.Subject != "u-1" {
		t.Fatalf("events = %#v", evs)
	}
}

func TestSpawnFlow(t *testing.T) {
	s := testSession(t, nil)
	control := attachProducer(t, s)
	viewer := &fakeConn{}

	reqID, err := s.RequestSpawn(viewer, "x", 100, 30, &protocol.UserRef{Subject: "u-9"})
	if err != nil {
		t.Fatalf("RequestSpawn() failed: %v", err)
	}

	var st protocol.StartTerminal
	if err := json.Unmarshal(control.lastText(t), &st); err != nil {
		t.Fatalf("unmarshal start_terminal failed: %v", err)
	}
	if st.Type != protocol.TypeStartTerminal || st.RequestID != reqID || st.Cols != 100 {
		t.Fatalf("start_terminal mismatch: %#v", st)
	}

	// The producer picks its own terminal name.
	s.OnTerminalStarted(protocol.TerminalStarted{Name: "7421", RequestID: reqID, Success: true})

	var resp protocol.SetupResponse
	if err := json.Unmarshal(viewer.lastText(t), &resp); err != nil {
		t.Fatalf("unmarshal setup_response failed: %v", err)
	}
	if !resp.Success || resp.Name != "7421" || resp.Cols != 100 || resp.Rows != 30 {
		t.Fatalf("setup_response mismatch: %#v", resp)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state = %v, want active", got)
	}

	// Fresh terminal: the spawning viewer is interactive and needs no snapshot.
	s.OnOutput("7421", []byte("live"))
	frames := viewer.all()
	last := frames[len(frames)-1]
	if last.text || string(last.data) != "live" {
		t.Fatalf("expected live output, got %#v", last)
	}
}

func TestSpawnFailurePropagatesError(t *testing.T) {
	s := testSession(t, nil)
	attachProducer(t, s)
	viewer := &fakeConn{}

	reqID, err := s.RequestSpawn(viewer, "x", 0, 0, nil)
	if err != nil {
		t.Fatalf("RequestSpawn() failed: %v", err)
	}
	s.OnTerminalStarted(protocol.TerminalStarted{Name: "x", RequestID: reqID, Success: false, Error: "fork failed"})

	var resp protocol.SetupResponse
	if err := json.Unmarshal(viewer.lastText(t), &resp); err != nil {
		t.Fatalf("unmarshal setup_response failed: %v", err)
	}
	if resp.Success || resp.Error != "fork failed" {
		t.Fatalf("setup_response mismatch: %#v", resp)
	}
	if got := s.State(); got != StateReady {
		t.Fatalf("state = %v, want ready", got)
	}
}

func TestSpawnWithoutControlFails(t *testing.T) {
	s := testSession(t, nil)
	if _, err := s.RequestSpawn(&fakeConn{}, "x", 80, 24, nil); !errors.Is(err, ErrNoControl) {
		t.Fatalf("expected ErrNoControl, got %v", err)
	}
}

func TestSpawnTimeout(t *testing.T) {
	s := newSession("sess-t", Options{
		DefaultCols:     80,
		DefaultRows:     24,
		ReconnectWindow: time.Minute,
		SpawnTimeout:    20 * time.Millisecond,
	})
	t.Cleanup(func() { s.Close(ReasonError) })
	control := &fakeConn{}
	if err := s.AttachControl(control, protocol.UserRef{Subject: "u-1"}); err != nil {
		t.Fatalf("AttachControl() failed: %v", err)
	}

	viewer := &fakeConn{}
	reqID, err := s.RequestSpawn(viewer, "x", 80, 24, nil)
	if err != nil {
		t.Fatalf("RequestSpawn() failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(viewer.all()) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("spawn timeout never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	var resp protocol.SetupResponse
	if err := json.Unmarshal(viewer.lastText(t), &resp); err != nil {
		t.Fatalf("unmarshal setup_response failed: %v", err)
	}
	if resp.Success || resp.Error != "spawn timeout" {
		t.Fatalf("setup_response mismatch: %#v", resp)
	}

	// A late response for the expired request is a no-op.
	s.OnTerminalStarted(protocol.TerminalStarted{Name: "x", RequestID: reqID, Success: true})
	if names := s.TerminalNames(); len(names) != 0 {
		t.Fatalf("expected no terminals, got %v", names)
	}
}

func TestTerminalStartedUnknownRequestIsNoOp(t *testing.T) {
	s := testSession(t, nil)
	attachProducer(t, s)
	s.OnTerminalStarted(protocol.TerminalStarted{Name: "ghost", RequestID: "nope", Success: true})
	if names := s.TerminalNames(); len(names) != 0 {
		t.Fatalf("expected no terminals, got %v", names)
	}
}

func TestSnapshotBufferOrdering(t *testing.T) {
	s := testSession(t, nil)
	control := attachProducer(t, s)
	interactive := &fakeConn{}
	spawnTerminal(t, s, control, interactive, "7421")

	data := &fakeConn{}
	if err := s.AttachData("7421", data); err != nil {
		t.Fatalf("AttachData() failed: %v", err)
	}
	s.OnDataHandshake("7421", protocol.DataHandshake{Version: "1", Shell: "/bin/sh"})

	mirror := &fakeConn{}
	if err := s.JoinExisting(mirror, "7421", false); err != nil {
		t.Fatalf("JoinExisting() failed: %v", err)
	}

	// The join triggers a snapshot request on the data channel.
	var reqID string
	for _, f := range data.all() {
		if f.text || len(f.data) == 0 || f.data[0] != protocol.PrefixSnapshotRequest {
			continue
		}
		frame, err := protocol.ParseRelayFrame(f.data)
		if err != nil {
			t.Fatalf("ParseRelayFrame() failed: %v", err)
		}
		reqID = frame.(protocol.SnapshotRequestFrame).Request.RequestID
	}
	if reqID == "" {
		t.Fatal("no snapshot request sent on data channel")
	}

	// Output before the snapshot is buffered for the mirror, live for the
	// interactive viewer.
	s.OnOutput("7421", []byte("AAAA"))
	s.OnSnapshot("7421", protocol.Snapshot{RequestID: reqID, Screen: []byte("SSSS"), Cols: 80, Rows: 24})
	s.OnOutput("7421", []byte("BB"))

	var mirrorBytes [][]byte
	for _, f := range mirror.all() {
		if !f.text {
			mirrorBytes = append(mirrorBytes, f.data)
		}
	}
	want := [][]byte{[]byte("SSSS"), []byte("AAAA"), []byte("BB")}
	if len(mirrorBytes) != len(want) {
		t.Fatalf("mirror frames = %q, want %q", mirrorBytes, want)
	}
	for i := range want {
		if !bytes.Equal(mirrorBytes[i], want[i]) {
			t.Fatalf("mirror frame %d = %q, want %q", i, mirrorBytes[i], want[i])
		}
	}

	var liveBytes [][]byte
	for _, f := range interactive.all() {
		if !f.text {
			liveBytes = append(liveBytes, f.data)
		}
	}
	if len(liveBytes) != 2 || !bytes.Equal(liveBytes[0], []byte("AAAA")) || !bytes.Equal(liveBytes[1], []byte("BB")) {
		t.Fatalf("interactive frames = %q, want [AAAA BB]", liveBytes)
	}
}

func TestSnapshotRequestDeferredUntilDataHandshake(t *testing.T) {
	s := testSession(t, nil)
	control := attachProducer(t, s)
	viewer := &fakeConn{}
	spawnTerminal(t, s, control, viewer, "7421")

	mirror := &fakeConn{}
	if err := s.JoinExisting(mirror, "7421", false); err != nil {
		t.Fatalf("JoinExisting() failed: %v", err)
	}

	// Data channel arrives after the join; the handshake replays the request.
	data := &fakeConn{}
	if err := s.AttachData("7421", data); err != nil {
		t.Fatalf("AttachData() failed: %v", err)
	}
	s.OnDataHandshake("7421", protocol.DataHandshake{Version: "1", Shell: "/bin/sh"})

	found := false
	for _, f := range data.all() {
		if !f.text && len(f.data) > 0 && f.data[0] == protocol.PrefixSnapshotRequest {
			found = true
		}
	}
	if !found {
		t.Fatal("snapshot request was not replayed on data handshake")
	}
}

func TestPauseWhileUnwatched(t *testing.T) {
	s := testSession(t, nil)
	control := attachProducer(t, s)
	viewer := &fakeConn{}
	spawnTerminal(t, s, control, viewer, "7421")
	data := &fakeConn{}
	if err := s.AttachData("7421", data); err != nil {
		t.Fatalf("AttachData() failed: %v", err)
	}
	s.OnDataHandshake("7421", protocol.DataHandshake{Version: "1", Shell: "/bin/sh"})

	hasPrefix := func(p byte) bool {
		for _, f := range data.all() {
			if !f.text && len(f.data) > 0 && f.data[0] == p {
				return true
			}
		}
		return false
	}
	if hasPrefix(protocol.PrefixPause) {
		t.Fatal("terminal paused while it still had a viewer")
	}

	s.RemoveViewer(viewer)
	if !hasPrefix(protocol.PrefixPause) {
		t.Fatal("no pause frame after the last viewer left")
	}

	if err := s.JoinExisting(&fakeConn{}, "7421", false); err != nil {
		t.Fatalf("JoinExisting() failed: %v", err)
	}
	if !hasPrefix(protocol.PrefixResume) {
		t.Fatal("no resume frame after a viewer attached")
	}
}

func TestInputOnlyFromInteractive(t *testing.T) {
	s := testSession(t, nil)
	control := attachProducer(t, s)
	interactive := &fakeConn{}
	spawnTerminal(t, s, control, interactive, "7421")
	data := &fakeConn{}
	if err := s.AttachData("7421", data); err != nil {
		t.Fatalf("AttachData() failed: %v", err)
	}
	mirror := &fakeConn{}
	if err := s.JoinExisting(mirror, "7421", false); err != nil {
		t.Fatalf("JoinExisting() failed: %v", err)
	}

	before := len(data.all())
	s.OnInput("7421", mirror, []byte("rm -rf /"))
	if got := len(data.all()); got != before {
		t.Fatal("mirror input reached the data channel")
	}

	s.OnInput("7421", interactive, []byte("ls\n"))
	frames := data.all()
	last := frames[len(frames)-1]
	if last.text || last.data[0] != protocol.PrefixInput || string(last.data[1:]) != "ls\n" {
		t.Fatalf("expected input frame, got %#v", last)
	}
}

func TestResizeOnlyFromInteractive(t *testing.T) {
	s := testSession(t, nil)
	control := attachProducer(t, s)
	interactive := &fakeConn{}
	spawnTerminal(t, s, control, interactive, "7421")
	data := &fakeConn{}
	if err := s.AttachData("7421", data); err != nil {
		t.Fatalf("AttachData() failed: %v", err)
	}
	mirror := &fakeConn{}
	if err := s.JoinExisting(mirror, "7421", false); err != nil {
		t.Fatalf("JoinExisting() failed: %v", err)
	}

	s.OnResize("7421", mirror, 10, 10)
	if cols, rows, _ := s.TerminalGeometry("7421"); cols == 10 || rows == 10 {
		t.Fatal("mirror resize applied")
	}

	s.OnResize("7421", interactive, 132, 43)
	cols, rows, ok := s.TerminalGeometry("7421")
	if !ok || cols != 132 || rows != 43 {
		t.Fatalf("geometry = %d x %d, want 132 x 43", cols, rows)
	}
	frames := data.all()
	last := frames[len(frames)-1]
	if last.text || last.data[0] != protocol.PrefixResize {
		t.Fatalf("expected resize frame, got %#v", last)
	}
}

func TestTerminalClosedNotifiesViewers(t *testing.T) {
	sink := &eventSink{}
	s := testSession(t, sink)
	control := attachProducer(t, s)
	viewer := &fakeConn{}
	spawnTerminal(t, s, control, viewer, "7421")
	data := &fakeConn{}
	if err := s.AttachData("7421", data); err != nil {
		t.Fatalf("AttachData() failed: %v", err)
	}

	s.OnTerminalClosed("7421", 130)

	var exit protocol.ExitNotice
	if err := json.Unmarshal(viewer.lastText(t), &exit); err != nil {
		t.Fatalf("unmarshal exit failed: %v", err)
	}
	if exit.Type != protocol.TypeExit || exit.Code != 130 {
		t.Fatalf("exit mismatch: %#v", exit)
	}
	if code, reason := viewer.closedWith(t); code != 1000 || reason != "Terminal closed" {
		t.Fatalf("viewer closed with (%d, %q)", code, reason)
	}
	if code, _ := data.closedWith(t); code != 1000 {
		t.Fatalf("data channel closed with %d", code)
	}
	if got := s.State(); got != StateReady {
		t.Fatalf("state = %v, want ready after last terminal", got)
	}

	evs := sink.all()
	last := evs[len(evs)-1]
	if last.Kind != EventTerminalClosed || last.TerminalName != "7421" || last.ExitCode != 130 {
		t.Fatalf("event mismatch: %#v", last)
	}
}

func TestGracefulDetachEndsSession(t *testing.T) {
	sink := &eventSink{}
	s := testSession(t, sink)
	control := attachProducer(t, s)
	viewer := &fakeConn{}
	spawnTerminal(t, s, control, viewer, "7421")

	closedReason := ""
	s.opts.OnClosed = func(_ *Session, reason string) { closedReason = reason }

	s.DetachControl(1000, "client shutdown")

	var notice protocol.DisconnectNotice
	found := false
	for _, f := range viewer.all() {
		if !f.text {
			continue
		}
		if err := json.Unmarshal(f.data, &notice); err == nil && notice.Type == protocol.TypeDisconnect {
			found = true
		}
	}
	if !found || notice.Reason != protocol.DisconnectSessionEnded {
		t.Fatalf("disconnect notice = %#v (found=%v)", notice, found)
	}
	if closedReason != ReasonGraceful {
		t.Fatalf("close reason = %q, want graceful", closedReason)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

func TestReconnectWindow(t *testing.T) {
	sink := &eventSink{}
	s := newSession("sess-r", Options{
		DefaultCols:     80,
		DefaultRows:     24,
		ReconnectWindow: 40 * time.Millisecond,
		SpawnTimeout:    time.Minute,
		Emit:            sink.emit,
	})
	t.Cleanup(func() { s.Close(ReasonError) })
	control := &fakeConn{}
	if err := s.AttachControl(control, protocol.UserRef{Subject: "u-1"}); err != nil {
		t.Fatalf("AttachControl() failed: %v", err)
	}
	s.OnControlHandshake(protocol.ControlHandshake{Version: "1"})

	// A reattach within the window cancels the timer and preserves the session.
	s.DetachControl(1006, "")
	if err := s.AttachControl(&fakeConn{}, protocol.UserRef{Subject: "u-1"}); err != nil {
		t.Fatalf("reattach failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if got := s.State(); got == StateClosed {
		t.Fatal("session closed despite reattach within window")
	}

	// Without a reattach the window expires and the session closes.
	closedCh := make(chan string, 1)
	s.opts.OnClosed = func(_ *Session, reason string) { closedCh <- reason }
	s.DetachControl(1006, "")
	select {
	case reason := <-closedCh:
		if reason != ReasonTimeout {
			t.Fatalf("close reason = %q, want timeout", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect window never expired")
	}
}

func TestSpawnViewerDiedBeforeStart(t *testing.T) {
	s := testSession(t, nil)
	control := attachProducer(t, s)
	viewer := &fakeConn{}
	reqID, err := s.RequestSpawn(viewer, "x", 80, 24, nil)
	if err != nil {
		t.Fatalf("RequestSpawn() failed: %v", err)
	}
	_ = control

	// The viewer socket dies while the spawn is in flight.
	viewer.fail(errors.New("sender closed"))
	s.OnTerminalStarted(protocol.TerminalStarted{Name: "7421", RequestID: reqID, Success: true})

	// The producer did start the terminal, but the dead viewer must not be
	// attached to it.
	if names := s.TerminalNames(); len(names) != 1 || names[0] != "7421" {
		t.Fatalf("terminals = %v", names)
	}
	if _, ok := s.TerminalFor(viewer); ok {
		t.Fatal("dead viewer attached to spawned terminal")
	}

	// With no watcher, the terminal is paused as soon as its data channel
	// handshakes.
	data := &fakeConn{}
	if err := s.AttachData("7421", data); err != nil {
		t.Fatalf("AttachData() failed: %v", err)
	}
	s.OnDataHandshake("7421", protocol.DataHandshake{Version: "1", Shell: "/bin/sh"})
	paused := false
	for _, f := range data.all() {
		if !f.text && len(f.data) > 0 && f.data[0] == protocol.PrefixPause {
			paused = true
		}
	}
	if !paused {
		t.Fatal("watcherless terminal was not paused")
	}
}

func TestRemoveViewerDropsPendingSpawn(t *testing.T) {
	s := testSession(t, nil)
	control := attachProducer(t, s)
	viewer := &fakeConn{}
	reqID, err := s.RequestSpawn(viewer, "x", 80, 24, nil)
	if err != nil {
		t.Fatalf("RequestSpawn() failed: %v", err)
	}
	_ = control

	s.RemoveViewer(viewer)
	s.OnTerminalStarted(protocol.TerminalStarted{Name: "x", RequestID: reqID, Success: true})

	// The response arrived after the viewer left; no setup_response goes out.
	for _, f := range viewer.all() {
		if f.text {
			t.Fatalf("unexpected frame to departed viewer: %q", f.data)
		}
	}
}
