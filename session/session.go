// Package session implements the producer/viewer multiplexer: one producer
// control channel and one data channel per terminal on one side, any number
// of interactive and mirror viewers on the other.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saurabhdas/pair-claudeing/observability"
	"github.com/saurabhdas/pair-claudeing/protocol"
)

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrAlreadyConnected = errors.New("control channel already connected")
	ErrNotOwner         = errors.New("not the session owner")
	ErrNoControl        = errors.New("no live control channel")
	ErrTerminalNotFound = errors.New("terminal not found")
)

// Conn is the session's handle on one websocket peer. Sends are non-blocking
// enqueues; slow peers are closed by their own write pump, so it is safe to
// send while holding the session lock.
type Conn interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
	Close(code int, reason string)
}

// ViewerState tracks one viewer's synchronization with a terminal.
type ViewerState struct {
	conn              Conn
	needsSnapshot     bool
	pendingSnapshotID string
	snapshotAsked     time.Time
	buffered          [][]byte // output chunks held back until the snapshot lands
}

type terminal struct {
	name        string
	data        Conn
	handshaken  bool
	paused      bool // producer told to stop pty output while nobody watches
	cols        uint16
	rows        uint16
	creator     *protocol.UserRef
	handshake   protocol.DataHandshake
	interactive map[Conn]*ViewerState
	mirror      map[Conn]*ViewerState
}

// viewers iterates both role sets.
func (t *terminal) viewers(f func(vs *ViewerState)) {
	for _, vs := range t.interactive {
		f(vs)
	}
	for _, vs := range t.mirror {
		f(vs)
	}
}

func (t *terminal) lookup(c Conn) (*ViewerState, bool) {
	if vs, ok := t.interactive[c]; ok {
		return vs, true
	}
	vs, ok := t.mirror[c]
	return vs, ok
}

type pendingSpawn struct {
	requestID string
	cols      uint16
	rows      uint16
	viewer    Conn
	creator   *protocol.UserRef
	createdAt time.Time
	timer     *time.Timer
}

// Options configures a Session. The registry fills these from its own config.
type Options struct {
	DefaultCols     uint16
	DefaultRows     uint16
	ReconnectWindow time.Duration
	SpawnTimeout    time.Duration
	Logger          *slog.Logger
	Observer        observability.RelayObserver

	// Emit publishes a registry event. Called without the session lock held.
	Emit func(Event)
	// OnClosed is invoked exactly once when the session reaches CLOSED.
	OnClosed func(s *Session, reason string)
}

// Session is one producer lifespan with its terminals and viewers. A single
// mutex covers all mutable state; public operations take it for the critical
// section. Lock ordering is registry before session.
type Session struct {
	id        string
	createdAt time.Time
	opts      Options
	log       *slog.Logger
	obs       observability.RelayObserver

	mu        sync.Mutex
	state     State
	owner     *protocol.UserRef
	control   Conn
	handshake protocol.ControlHandshake
	terminals map[string]*terminal
	pending   map[string]*pendingSpawn
	reconnect *time.Timer
	reconnGen int
}

func newSession(id string, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = observability.NoopRelayObserver
	}
	return &Session{
		id:        id,
		createdAt: time.Now(),
		opts:      opts,
		log:       log.With("session", id),
		obs:       obs,
		state:     StatePending,
		terminals: make(map[string]*terminal),
		pending:   make(map[string]*pendingSpawn),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Owner returns the established owner, if any.
func (s *Session) Owner() (protocol.UserRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == nil {
		return protocol.UserRef{}, false
	}
	return *s.owner, true
}

// Handshake returns the control handshake received from the producer.
func (s *Session) Handshake() protocol.ControlHandshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

// TerminalNames lists the live terminals.
func (s *Session) TerminalNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.terminals))
	for name := range s.terminals {
		names = append(names, name)
	}
	return names
}

// TerminalGeometry reports a terminal's current size.
func (s *Session) TerminalGeometry(name string) (cols, rows uint16, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, found := s.terminals[name]
	if !found {
		return 0, 0, false
	}
	return t.cols, t.rows, true
}

// Online reports whether a live control channel is attached.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control != nil
}

// AttachControl installs the producer control channel. The first attach sets
// the owner; later attaches must present the same subject.
func (s *Session) AttachControl(c Conn, principal protocol.UserRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.control != nil {
		return ErrAlreadyConnected
	}
	if s.owner != nil && s.owner.Subject != principal.Subject {
		return ErrNotOwner
	}
	if s.owner == nil {
		owner := principal
		s.owner = &owner
	}
	s.control = c
	s.cancelReconnectLocked()
	return nil
}

// OnControlHandshake records producer metadata and marks the session ready.
func (s *Session) OnControlHandshake(info protocol.ControlHandshake) {
	s.mu.Lock()
	s.handshake = info
	if s.state == StatePending {
		s.state = StateReady
	}
	owner := s.ownerLocked()
	s.mu.Unlock()
	s.emit(Event{Kind: EventSessionOnline, SessionID: s.id, Owner: owner})
}

// DetachControl handles the control socket going away. A graceful close
// (code 1000, reason "client shutdown") ends the session immediately; any
// other close arms the reconnect window.
func (s *Session) DetachControl(code int, reason string) {
	graceful := code == 1000 && reason == "client shutdown"

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.control = nil
	if graceful {
		s.broadcastDisconnectLocked(protocol.DisconnectSessionEnded)
		s.mu.Unlock()
		s.Close(ReasonGraceful)
		return
	}
	// Cancel first: it bumps the generation, and the new timer must carry
	// the current value or its expiry is ignored as stale.
	s.cancelReconnectLocked()
	gen := s.reconnGen
	window := s.opts.ReconnectWindow
	s.reconnect = time.AfterFunc(window, func() { s.reconnectExpired(gen) })
	owner := s.ownerLocked()
	s.mu.Unlock()

	s.log.Info("control detached, reconnect window armed", "window", window)
	s.emit(Event{Kind: EventSessionOffline, SessionID: s.id, Owner: owner})
}

func (s *Session) reconnectExpired(gen int) {
	s.mu.Lock()
	if gen != s.reconnGen || s.control != nil || s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.broadcastDisconnectLocked(protocol.DisconnectProducerTimeout)
	s.mu.Unlock()
	s.log.Info("reconnect window expired")
	s.Close(ReasonTimeout)
}

func (s *Session) cancelReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	s.reconnGen++
}

func (s *Session) broadcastDisconnectLocked(reason string) {
	msg := protocol.EncodeDisconnectNotice(reason)
	for _, t := range s.terminals {
		t.viewers(func(vs *ViewerState) {
			_ = vs.conn.SendText(msg)
		})
	}
}

// RequestSpawn asks the producer to start a terminal for a viewer. The
// returned request id correlates the eventual terminal_started response.
func (s *Session) RequestSpawn(viewer Conn, name string, cols, rows uint16, creator *protocol.UserRef) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return "", ErrSessionClosed
	}
	if s.control == nil {
		return "", ErrNoControl
	}
	if cols == 0 {
		cols = s.opts.DefaultCols
	}
	if rows == 0 {
		rows = s.opts.DefaultRows
	}
	requestID := uuid.NewString()
	p := &pendingSpawn{
		requestID: requestID,
		cols:      cols,
		rows:      rows,
		viewer:    viewer,
		creator:   creator,
		createdAt: time.Now(),
	}
	if s.opts.SpawnTimeout > 0 {
		p.timer = time.AfterFunc(s.opts.SpawnTimeout, func() { s.expireSpawn(requestID) })
	}
	s.pending[requestID] = p
	_ = s.control.SendText(protocol.EncodeStartTerminal(name, cols, rows, requestID))
	return requestID, nil
}

func (s *Session) expireSpawn(requestID string) {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, requestID)
	s.mu.Unlock()
	s.log.Warn("terminal spawn timed out", "requestId", requestID)
	_ = p.viewer.SendText(protocol.EncodeSetupResponse(protocol.SetupResponse{
		Success: false,
		Error:   "spawn timeout",
	}))
}

// OnTerminalStarted consumes the producer's response to start_terminal. An
// unknown request id is a no-op.
func (s *Session) OnTerminalStarted(msg protocol.TerminalStarted) {
	s.mu.Lock()
	p, ok := s.pending[msg.RequestID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("terminal_started with no pending request", "requestId", msg.RequestID, "name", msg.Name)
		return
	}
	delete(s.pending, msg.RequestID)
	if p.timer != nil {
		p.timer.Stop()
	}
	if !msg.Success {
		s.mu.Unlock()
		_ = p.viewer.SendText(protocol.EncodeSetupResponse(protocol.SetupResponse{
			Success: false,
			Error:   msg.Error,
		}))
		return
	}
	t := s.ensureTerminalLocked(msg.Name)
	t.cols, t.rows = p.cols, p.rows
	t.creator = p.creator
	resp := protocol.EncodeSetupResponse(protocol.SetupResponse{
		Success: true,
		Name:    msg.Name,
		Cols:    t.cols,
		Rows:    t.rows,
	})
	// A dead sender rejects the enqueue: the viewer left while the spawn
	// was in flight, and the terminal must not be attached to it. The
	// terminal itself stays, watcherless, and gets paused on data handshake.
	if err := p.viewer.SendText(resp); err != nil {
		s.mu.Unlock()
		s.log.Warn("spawn response to departed viewer", "terminal", msg.Name)
		return
	}
	// The terminal is fresh, so the spawning viewer needs no snapshot.
	t.interactive[p.viewer] = &ViewerState{conn: p.viewer}
	s.mu.Unlock()
}

func (s *Session) ensureTerminalLocked(name string) *terminal {
	if t, ok := s.terminals[name]; ok {
		return t
	}
	t := &terminal{
		name:        name,
		cols:        s.opts.DefaultCols,
		rows:        s.opts.DefaultRows,
		interactive: make(map[Conn]*ViewerState),
		mirror:      make(map[Conn]*ViewerState),
	}
	s.terminals[name] = t
	if s.state == StateReady {
		s.state = StateActive
	}
	return t
}

// AttachData installs the producer data channel for a terminal, creating a
// placeholder with session defaults when the data channel arrives before the
// control-side terminal_started.
func (s *Session) AttachData(name string, c Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return ErrSessionClosed
	}
	t := s.ensureTerminalLocked(name)
	t.data = c
	t.paused = false // a fresh data channel starts unpaused on the producer side
	return nil
}

// OnDataHandshake records the data-channel handshake, pushes the terminal's
// geometry back to the producer, and re-issues snapshot requests for viewers
// that joined before the data channel existed.
func (s *Session) OnDataHandshake(name string, hs protocol.DataHandshake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[name]
	if !ok || t.data == nil {
		return
	}
	t.handshake = hs
	t.handshaken = true
	_ = t.data.SendBinary(protocol.EncodeResize(t.cols, t.rows))
	t.viewers(func(vs *ViewerState) {
		if vs.needsSnapshot && vs.pendingSnapshotID != "" {
			_ = t.data.SendBinary(protocol.EncodeSnapshotRequest(vs.pendingSnapshotID))
		}
	})
	s.syncFlowLocked(t)
}

// JoinExisting attaches a viewer to an existing terminal, in the given role,
// and requests a snapshot to synchronize it. Output bytes are buffered for
// the viewer until the snapshot arrives.
func (s *Session) JoinExisting(viewer Conn, name string, interactive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return ErrSessionClosed
	}
	t, ok := s.terminals[name]
	if !ok {
		return ErrTerminalNotFound
	}
	vs := &ViewerState{
		conn:              viewer,
		needsSnapshot:     true,
		pendingSnapshotID: uuid.NewString(),
		snapshotAsked:     time.Now(),
	}
	delete(t.interactive, viewer)
	delete(t.mirror, viewer)
	if interactive {
		t.interactive[viewer] = vs
	} else {
		t.mirror[viewer] = vs
	}
	if t.data != nil {
		_ = t.data.SendBinary(protocol.EncodeSnapshotRequest(vs.pendingSnapshotID))
	}
	s.syncFlowLocked(t)
	return nil
}

// syncFlowLocked pauses pty output while a terminal has no viewers and
// resumes it when one attaches, so an unwatched producer does not stream
// into the void.
func (s *Session) syncFlowLocked(t *terminal) {
	if t.data == nil {
		return
	}
	idle := len(t.interactive)+len(t.mirror) == 0
	switch {
	case idle && !t.paused:
		_ = t.data.SendBinary(protocol.EncodePause())
		t.paused = true
	case !idle && t.paused:
		_ = t.data.SendBinary(protocol.EncodeResume())
		t.paused = false
	}
}

// OnSnapshot delivers a snapshot to the viewer that requested it, followed by
// the chunks buffered while the snapshot was in flight, in arrival order.
func (s *Session) OnSnapshot(name string, snap protocol.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[name]
	if !ok {
		return
	}
	var target *ViewerState
	t.viewers(func(vs *ViewerState) {
		if vs.needsSnapshot && vs.pendingSnapshotID == snap.RequestID {
			target = vs
		}
	})
	if target == nil {
		s.log.Warn("snapshot with no waiting viewer", "terminal", name, "requestId", snap.RequestID)
		return
	}
	_ = target.conn.SendBinary(snap.Screen)
	for _, chunk := range target.buffered {
		_ = target.conn.SendBinary(chunk)
	}
	target.buffered = nil
	target.needsSnapshot = false
	target.pendingSnapshotID = ""
	s.obs.SnapshotSync(time.Since(target.snapshotAsked))
}

// OnOutput fans one producer output chunk out to every viewer of a terminal.
// Viewers still awaiting a snapshot get the chunk buffered instead.
func (s *Session) OnOutput(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[name]
	if !ok {
		return
	}
	t.viewers(func(vs *ViewerState) {
		if vs.needsSnapshot {
			vs.buffered = append(vs.buffered, data)
			return
		}
		_ = vs.conn.SendBinary(data)
	})
}

// OnInput forwards viewer keystrokes to the producer. Only interactive
// viewers may write; input from mirrors is silently dropped.
func (s *Session) OnInput(name string, viewer Conn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[name]
	if !ok {
		return
	}
	if _, interactive := t.interactive[viewer]; !interactive {
		return
	}
	if t.data == nil {
		return
	}
	_ = t.data.SendBinary(protocol.EncodeInput(data))
}

// OnResize applies a geometry change from an interactive viewer.
func (s *Session) OnResize(name string, viewer Conn, cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[name]
	if !ok {
		return
	}
	if _, interactive := t.interactive[viewer]; !interactive {
		return
	}
	t.cols, t.rows = cols, rows
	if t.data != nil {
		_ = t.data.SendBinary(protocol.EncodeResize(cols, rows))
	}
}

// SendCloseTerminal forwards a close request to the producer over control.
func (s *Session) SendCloseTerminal(name string, signal *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return ErrNoControl
	}
	_ = s.control.SendText(protocol.EncodeCloseTerminal(name, signal))
	return nil
}

// OnTerminalClosed tears a terminal down after the producer reported its
// exit: notify and close every viewer, drop the data channel, and emit a
// terminal-closed event. Reports whether the terminal existed, so callers
// reacting to both the control and data channels count the close once.
func (s *Session) OnTerminalClosed(name string, exitCode int) bool {
	s.mu.Lock()
	t, ok := s.terminals[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.closeTerminalLocked(t, exitCode)
	delete(s.terminals, name)
	if len(s.terminals) == 0 && s.state == StateActive {
		s.state = StateReady
	}
	owner := s.ownerLocked()
	s.mu.Unlock()
	s.emit(Event{
		Kind:         EventTerminalClosed,
		SessionID:    s.id,
		Owner:        owner,
		TerminalName: name,
		ExitCode:     exitCode,
	})
	return true
}

// TerminalFor reports which terminal a viewer is attached to.
func (s *Session) TerminalFor(viewer Conn) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.terminals {
		if _, ok := t.lookup(viewer); ok {
			return name, true
		}
	}
	return "", false
}

// OnDataClosed handles the data channel dropping without a terminal_closed.
func (s *Session) OnDataClosed(name string, c Conn) {
	s.mu.Lock()
	t, ok := s.terminals[name]
	if !ok || t.data != c {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = s.OnTerminalClosed(name, -1)
}

func (s *Session) closeTerminalLocked(t *terminal, exitCode int) {
	exitMsg := protocol.EncodeExitNotice(exitCode)
	t.viewers(func(vs *ViewerState) {
		_ = vs.conn.SendText(exitMsg)
		vs.conn.Close(1000, "Terminal closed")
	})
	if t.data != nil {
		t.data.Close(1000, "Terminal closed")
		t.data = nil
	}
}

// RemoveViewer detaches a viewer from every terminal and drops any spawn
// request it originated.
func (s *Session) RemoveViewer(viewer Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.terminals {
		delete(t.interactive, viewer)
		delete(t.mirror, viewer)
		s.syncFlowLocked(t)
	}
	for id, p := range s.pending {
		if p.viewer == viewer {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(s.pending, id)
		}
	}
}

// Close transitions the session to CLOSED, tearing down all terminals and
// channels. Safe to call more than once; only the first call acts.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.cancelReconnectLocked()
	for id, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, id)
	}
	for name, t := range s.terminals {
		t.viewers(func(vs *ViewerState) {
			vs.conn.Close(1000, "Session closed")
		})
		if t.data != nil {
			t.data.Close(1000, "Session closed")
		}
		delete(s.terminals, name)
	}
	if s.control != nil {
		s.control.Close(1000, "Session closed")
		s.control = nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.log.Info("session closed", "reason", reason)
	if s.opts.OnClosed != nil {
		s.opts.OnClosed(s, reason)
	}
}

// BroadcastDisconnect tells every viewer the session is going away. Used
// before closing for reasons the viewers should distinguish.
func (s *Session) BroadcastDisconnect(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastDisconnectLocked(reason)
}

func (s *Session) ownerLocked() protocol.UserRef {
	if s.owner == nil {
		return protocol.UserRef{}
	}
	return *s.owner
}

func (s *Session) emit(e Event) {
	if s.opts.Emit != nil {
		s.opts.Emit(e)
	}
}
