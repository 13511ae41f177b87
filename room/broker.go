// Package room implements the collaboration room ("jam") broker: per-room
// participant sets, the shared two-panel view, the session pool, and fan-out
// of session-registry events to connected participants.
package room

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/saurabhdas/pair-claudeing/observability"
	"github.com/saurabhdas/pair-claudeing/protocol"
	"github.com/saurabhdas/pair-claudeing/session"
	"github.com/saurabhdas/pair-claudeing/store"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("not a room member")
)

// Error codes sent to clients on rejected operations.
const (
	errCodeForbidden       = "forbidden"
	errCodeNotOwner        = "not_session_owner"
	errCodeSessionNotFound = "session_not_found"
	errCodeDuplicate       = "duplicate_session"
	errCodeNotInPool       = "not_in_pool"
	errCodeInternal        = "internal_error"
	errCodeNoControl       = "producer_offline"
)

// Conn is the broker's handle on a participant socket. Sends are non-blocking
// enqueues into the socket's own write pump.
type Conn interface {
	SendText(data []byte) error
	Close(code int, reason string)
}

type participant struct {
	conn Conn
	user protocol.UserRef
}

// roomState holds one room's connected participants. Its mutex serializes
// every mutation and broadcast for the room, so all participants observe
// room events in one order; per-socket FIFO write pumps preserve it.
type roomState struct {
	id    string
	owner protocol.UserRef

	mu           sync.Mutex
	participants map[Conn]*participant
}

// Options configures a Broker.
type Options struct {
	Logger   *slog.Logger
	Observer observability.RelayObserver
}

// Broker is the process-wide roomId to participant-set mapping.
type Broker struct {
	store    store.Store
	registry *session.Registry
	log      *slog.Logger
	obs      observability.RelayObserver

	mu    sync.Mutex
	rooms map[string]*roomState

	done      chan struct{}
	closeOnce sync.Once
}

// NewBroker builds a broker and starts consuming the registry event bus.
func NewBroker(st store.Store, reg *session.Registry, opts Options) *Broker {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = observability.NoopRelayObserver
	}
	b := &Broker{
		store:    st,
		registry: reg,
		log:      log,
		obs:      obs,
		rooms:    make(map[string]*roomState),
		done:     make(chan struct{}),
	}
	go b.eventLoop()
	return b
}

// Join verifies membership and registers a participant socket. The joining
// socket receives the initial jam_state snapshot; everyone else sees a
// participant_update.
func (b *Broker) Join(roomID string, conn Conn, user protocol.UserRef) error {
	record, err := b.store.GetRoom(roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return ErrRoomNotFound
		}
		return err
	}
	member, err := b.store.IsRoomMember(roomID, user.Subject)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}

	// Take the room lock before releasing the broker lock so the room cannot
	// be reaped between lookup and insert.
	b.mu.Lock()
	rs, ok := b.rooms[roomID]
	if !ok {
		rs = &roomState{
			id:           roomID,
			owner:        record.Owner,
			participants: make(map[Conn]*participant),
		}
		b.rooms[roomID] = rs
	}
	rs.mu.Lock()
	b.mu.Unlock()
	defer rs.mu.Unlock()
	rs.participants[conn] = &participant{conn: conn, user: user}
	b.broadcastLocked(rs, conn, protocol.TypeParticipantUpdate, protocol.ParticipantUpdate{
		Type:   protocol.TypeParticipantUpdate,
		Action: "joined",
		User:   user,
	})
	_ = conn.SendText(mustJSON(b.buildJamStateLocked(rs)))
	return nil
}

// Leave removes a participant socket and notifies the rest of the room.
func (b *Broker) Leave(roomID string, conn Conn) {
	b.mu.Lock()
	rs, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return
	}
	rs.mu.Lock()
	p, present := rs.participants[conn]
	if !present {
		rs.mu.Unlock()
		return
	}
	delete(rs.participants, conn)
	b.broadcastLocked(rs, nil, protocol.TypeParticipantUpdate, protocol.ParticipantUpdate{
		Type:   protocol.TypeParticipantUpdate,
		Action: "left",
		User:   p.user,
	})
	empty := len(rs.participants) == 0
	rs.mu.Unlock()

	if empty {
		b.mu.Lock()
		rs.mu.Lock()
		if len(rs.participants) == 0 {
			delete(b.rooms, roomID)
		}
		rs.mu.Unlock()
		b.mu.Unlock()
	}
}

// HandleMessage dispatches one client message from a participant.
func (b *Broker) HandleMessage(roomID string, conn Conn, user protocol.UserRef, raw []byte) {
	msg, err := protocol.ParseRoomClientMessage(raw)
	if err != nil {
		b.log.Warn("invalid room message", "room", roomID, "err", err)
		return
	}
	b.mu.Lock()
	rs, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	switch m := msg.(type) {
	case protocol.PanelSelect:
		b.handlePanelSelect(rs, conn, user, m)
	case protocol.AddSession:
		b.handleAddSession(rs, conn, user, m)
	case protocol.RemoveSession:
		b.handleRemoveSession(rs, conn, user, m)
	case protocol.CloseTerminalRequest:
		b.handleCloseTerminal(rs, conn, user, m)
	}
}

// handlePanelSelect applies the shared-panel access rule: with two or more
// distinct users connected, the owner drives the left panel and everyone
// else the right; a lone user may drive both.
func (b *Broker) handlePanelSelect(rs *roomState, conn Conn, user protocol.UserRef, m protocol.PanelSelect) {
	distinct := make(map[string]struct{})
	for _, p := range rs.participants {
		distinct[p.user.Subject] = struct{}{}
	}
	if len(distinct) >= 2 {
		isOwner := user.Subject == rs.owner.Subject
		if (m.Panel == protocol.PanelLeft && !isOwner) || (m.Panel == protocol.PanelRight && isOwner) {
			b.sendError(conn, errCodeForbidden)
			return
		}
	}
	if err := b.store.SetSharedPanelState(rs.id, m.Panel, m.SessionID, m.TerminalName); err != nil {
		b.log.Error("persist panel state failed", "room", rs.id, "err", err)
		b.sendError(conn, errCodeInternal)
		return
	}
	state, err := b.store.GetSharedPanelState(rs.id)
	if err != nil {
		b.log.Error("load panel state failed", "room", rs.id, "err", err)
		b.sendError(conn, errCodeInternal)
		return
	}
	b.broadcastLocked(rs, nil, protocol.TypePanelStateUpdate, protocol.PanelStateUpdate{
		Type:   protocol.TypePanelStateUpdate,
		Panels: state,
	})
}

func (b *Broker) handleAddSession(rs *roomState, conn Conn, user protocol.UserRef, m protocol.AddSession) {
	sess, ok := b.registry.Get(m.SessionID)
	if !ok {
		b.sendError(conn, errCodeSessionNotFound)
		return
	}
	owner, hasOwner := sess.Owner()
	if !hasOwner || owner.Subject != user.Subject {
		b.sendError(conn, errCodeNotOwner)
		return
	}
	hs := sess.Handshake()
	err := b.store.AddToPool(rs.id, m.SessionID, user, hs.Hostname, hs.WorkingDir)
	if errors.Is(err, store.ErrDuplicateSession) {
		b.sendError(conn, errCodeDuplicate)
		return
	}
	if err != nil {
		b.log.Error("add to pool failed", "room", rs.id, "err", err)
		b.sendError(conn, errCodeInternal)
		return
	}
	b.broadcastLocked(rs, nil, protocol.TypeSessionPoolUpdate, protocol.SessionPoolUpdate{
		Type:   protocol.TypeSessionPoolUpdate,
		Action: "added",
		Session: protocol.PoolSessionInfo{
			SessionID:  m.SessionID,
			AddedBy:    user,
			Hostname:   hs.Hostname,
			WorkingDir: hs.WorkingDir,
			Status:     b.liveStatus(m.SessionID, store.PoolStatusOnline),
		},
	})
}

func (b *Broker) handleRemoveSession(rs *roomState, conn Conn, user protocol.UserRef, m protocol.RemoveSession) {
	entry, ok := b.poolEntry(rs.id, m.SessionID)
	if !ok {
		b.sendError(conn, errCodeNotInPool)
		return
	}
	// The adder or the room owner may remove.
	if user.Subject != entry.AddedBy.Subject && user.Subject != rs.owner.Subject {
		b.sendError(conn, errCodeForbidden)
		return
	}
	if err := b.store.RemoveFromPool(rs.id, m.SessionID); err != nil {
		if errors.Is(err, store.ErrNotInPool) {
			b.sendError(conn, errCodeNotInPool)
			return
		}
		b.log.Error("remove from pool failed", "room", rs.id, "err", err)
		b.sendError(conn, errCodeInternal)
		return
	}
	b.broadcastLocked(rs, nil, protocol.TypeSessionPoolUpdate, protocol.SessionPoolUpdate{
		Type:   protocol.TypeSessionPoolUpdate,
		Action: "removed",
		Session: protocol.PoolSessionInfo{
			SessionID: m.SessionID,
			AddedBy:   entry.AddedBy,
			Status:    entry.Status,
		},
	})
}

func (b *Broker) handleCloseTerminal(rs *roomState, conn Conn, user protocol.UserRef, m protocol.CloseTerminalRequest) {
	sess, ok := b.registry.Get(m.SessionID)
	if !ok {
		b.sendError(conn, errCodeSessionNotFound)
		return
	}
	owner, hasOwner := sess.Owner()
	if !hasOwner || owner.Subject != user.Subject {
		b.sendError(conn, errCodeNotOwner)
		return
	}
	if err := sess.SendCloseTerminal(m.TerminalName, nil); err != nil {
		b.sendError(conn, errCodeNoControl)
	}
}

// eventLoop fans registry events out to the rooms that care: rooms holding
// the session in their pool, plus rooms where the session owner is connected.
func (b *Broker) eventLoop() {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.registry.Events():
			if !ok {
				return
			}
			b.dispatchEvent(ev)
		}
	}
}

func (b *Broker) dispatchEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSessionOnline:
		if err := b.store.MarkPoolSessionOnline(ev.SessionID); err != nil {
			b.log.Error("mark pool session online failed", "session", ev.SessionID, "err", err)
		}
	case session.EventSessionClosed:
		if err := b.store.MarkPoolSessionClosed(ev.SessionID, ev.Reason == session.ReasonGraceful); err != nil {
			b.log.Error("mark pool session closed failed", "session", ev.SessionID, "err", err)
		}
	}

	var kind string
	var payload any
	switch ev.Kind {
	case session.EventSessionOnline:
		kind = protocol.TypeSessionStatusUpdate
		payload = protocol.SessionStatusUpdate{
			Type:      protocol.TypeSessionStatusUpdate,
			SessionID: ev.SessionID,
			Status:    protocol.SessionStatusOnline,
		}
	case session.EventSessionOffline:
		kind = protocol.TypeSessionStatusUpdate
		payload = protocol.SessionStatusUpdate{
			Type:      protocol.TypeSessionStatusUpdate,
			SessionID: ev.SessionID,
			Status:    protocol.SessionStatusOffline,
		}
	case session.EventSessionClosed:
		// Graceful closes surface as closed. Timeout and error closes leave
		// the session recoverable in the room's eyes, so they surface as
		// offline with the reason attached.
		status := protocol.SessionStatusClosed
		reason := ""
		if ev.Reason != session.ReasonGraceful {
			status = protocol.SessionStatusOffline
			reason = ev.Reason
		}
		kind = protocol.TypeSessionStatusUpdate
		payload = protocol.SessionStatusUpdate{
			Type:      protocol.TypeSessionStatusUpdate,
			SessionID: ev.SessionID,
			Status:    status,
			Reason:    reason,
		}
	case session.EventTerminalClosed:
		kind = protocol.TypeTerminalClosedUpdate
		payload = protocol.TerminalClosedUpdate{
			Type:         protocol.TypeTerminalClosedUpdate,
			SessionID:    ev.SessionID,
			TerminalName: ev.TerminalName,
			ExitCode:     ev.ExitCode,
		}
	default:
		return
	}

	for _, rs := range b.eventTargets(ev) {
		rs.mu.Lock()
		b.broadcastLocked(rs, nil, kind, payload)
		rs.mu.Unlock()
	}
}

func (b *Broker) eventTargets(ev session.Event) []*roomState {
	poolRooms, err := b.store.RoomsWithSession(ev.SessionID)
	if err != nil {
		b.log.Error("rooms lookup failed", "session", ev.SessionID, "err", err)
	}
	inPool := make(map[string]struct{}, len(poolRooms))
	for _, id := range poolRooms {
		inPool[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var targets []*roomState
	for id, rs := range b.rooms {
		if _, ok := inPool[id]; ok {
			targets = append(targets, rs)
			continue
		}
		if ev.Owner.Subject == "" {
			continue
		}
		rs.mu.Lock()
		for _, p := range rs.participants {
			if p.user.Subject == ev.Owner.Subject {
				targets = append(targets, rs)
				break
			}
		}
		rs.mu.Unlock()
	}
	return targets
}

// buildJamStateLocked assembles the initial snapshot for a joining
// participant, enriching stored data with live connection and session status.
func (b *Broker) buildJamStateLocked(rs *roomState) protocol.JamState {
	connected := make(map[string]bool)
	for _, p := range rs.participants {
		connected[p.user.Subject] = true
	}

	state := protocol.JamState{
		Type:         protocol.TypeJamState,
		RoomID:       rs.id,
		Owner:        rs.owner,
		Participants: []protocol.ParticipantInfo{},
		Sessions:     []protocol.PoolSessionInfo{},
	}
	members, err := b.store.ListParticipants(rs.id)
	if err != nil {
		b.log.Error("list participants failed", "room", rs.id, "err", err)
	}
	for _, m := range members {
		state.Participants = append(state.Participants, protocol.ParticipantInfo{
			User:      m.User,
			Owner:     m.User.Subject == rs.owner.Subject,
			Connected: connected[m.User.Subject],
		})
	}
	pool, err := b.store.GetPool(rs.id)
	if err != nil {
		b.log.Error("load pool failed", "room", rs.id, "err", err)
	}
	for _, e := range pool {
		state.Sessions = append(state.Sessions, protocol.PoolSessionInfo{
			SessionID:  e.SessionID,
			AddedBy:    e.AddedBy,
			Hostname:   e.Hostname,
			WorkingDir: e.WorkingDir,
			Status:     b.liveStatus(e.SessionID, e.Status),
		})
	}
	panels, err := b.store.GetSharedPanelState(rs.id)
	if err != nil {
		b.log.Error("load panel state failed", "room", rs.id, "err", err)
	}
	state.Panels = panels
	return state
}

// liveStatus prefers the registry's view of a session over the stored one.
func (b *Broker) liveStatus(sessionID, stored string) string {
	sess, ok := b.registry.Get(sessionID)
	if !ok {
		return stored
	}
	if sess.Online() {
		return protocol.SessionStatusOnline
	}
	return protocol.SessionStatusOffline
}

func (b *Broker) poolEntry(roomID, sessionID string) (store.PoolEntry, bool) {
	pool, err := b.store.GetPool(roomID)
	if err != nil {
		b.log.Error("load pool failed", "room", roomID, "err", err)
		return store.PoolEntry{}, false
	}
	for _, e := range pool {
		if e.SessionID == sessionID {
			return e, true
		}
	}
	return store.PoolEntry{}, false
}

func (b *Broker) broadcastLocked(rs *roomState, skip Conn, kind string, payload any) {
	raw := mustJSON(payload)
	for conn := range rs.participants {
		if conn == skip {
			continue
		}
		_ = conn.SendText(raw)
	}
	b.obs.RoomBroadcast(kind)
}

func (b *Broker) sendError(conn Conn, code string) {
	_ = conn.SendText(mustJSON(protocol.RoomError{Type: protocol.TypeRoomError, Code: code}))
}

// Close stops the event loop and disconnects every participant.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		rooms := make([]*roomState, 0, len(b.rooms))
		for _, rs := range b.rooms {
			rooms = append(rooms, rs)
		}
		b.rooms = make(map[string]*roomState)
		b.mu.Unlock()
		for _, rs := range rooms {
			rs.mu.Lock()
			for conn := range rs.participants {
				conn.Close(1000, "Server shutting down")
			}
			rs.participants = make(map[Conn]*participant)
			rs.mu.Unlock()
		}
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
