// Package relay binds the websocket endpoints to the session registry and
// room broker: producer control, producer terminal data, viewer, and room
// participant channels.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/saurabhdas/pair-claudeing/auth"
	"github.com/saurabhdas/pair-claudeing/observability"
	"github.com/saurabhdas/pair-claudeing/protocol"
	"github.com/saurabhdas/pair-claudeing/realtime/ws"
	"github.com/saurabhdas/pair-claudeing/room"
	"github.com/saurabhdas/pair-claudeing/session"
	"github.com/saurabhdas/pair-claudeing/store"
)

// Close codes sent by the relay beyond the standard websocket range.
const (
	CloseBadSetup         = 4400 // invalid setup, or session not ready
	CloseUnauthenticated  = 4401
	CloseNotOwner         = 4403
	CloseNotFound         = 4404
	CloseSetupTimeout     = 4408
	CloseDuplicateControl = 4409
)

// Server owns the endpoint handlers and the process-wide registry, broker,
// and store they operate on.
type Server struct {
	cfg Config
	log *slog.Logger
	obs observability.RelayObserver

	verifier *auth.Verifier
	registry *session.Registry
	store    store.Store
	broker   *room.Broker

	checkOrigin func(r *http.Request) bool
	ownStore    bool

	viewerCount int64
	closeOnce   sync.Once
}

// New validates the config, opens the store, and builds the registry and
// broker.
func New(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.ControlTokenSecret) == "" {
		return nil, errors.New("missing control token secret")
	}
	if len(cfg.AllowedOrigins) == 0 && !cfg.AllowNoOrigin {
		return nil, errors.New("missing allowed origins")
	}
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = def.DefaultCols
	}
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = def.DefaultRows
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = def.SessionMaxAge
	}
	if cfg.ProducerReconnect <= 0 {
		cfg.ProducerReconnect = def.ProducerReconnect
	}
	if cfg.ViewerSetupTimeout <= 0 {
		cfg.ViewerSetupTimeout = def.ViewerSetupTimeout
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = def.SpawnTimeout
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = def.MaxFrame
	}
	if cfg.MaxWriteQueueBytes <= 0 {
		cfg.MaxWriteQueueBytes = def.MaxWriteQueueBytes
	}
	if cfg.MaxWriteQueueBytes < cfg.MaxFrame {
		return nil, errors.New("max write queue bytes must be >= max frame")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRelayObserver
	}

	verifier, err := auth.NewVerifier(cfg.ControlTokenSecret, cfg.ClockSkew)
	if err != nil {
		return nil, err
	}

	st := cfg.Store
	ownStore := false
	if st == nil {
		st, err = store.OpenSQLite(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		ownStore = true
	}

	registry := session.NewRegistry(session.Config{
		DefaultCols:     cfg.DefaultCols,
		DefaultRows:     cfg.DefaultRows,
		SessionMaxAge:   cfg.SessionMaxAge,
		ReconnectWindow: cfg.ProducerReconnect,
		SpawnTimeout:    cfg.SpawnTimeout,
		Logger:          cfg.Logger,
		Observer:        cfg.Observer,
	})

	s := &Server{
		cfg:         cfg,
		log:         cfg.Logger,
		obs:         cfg.Observer,
		verifier:    verifier,
		registry:    registry,
		store:       st,
		checkOrigin: ws.NewOriginChecker(cfg.AllowedOrigins, cfg.AllowNoOrigin),
		ownStore:    ownStore,
	}
	s.broker = room.NewBroker(st, registry, room.Options{
		Logger:   cfg.Logger,
		Observer: cfg.Observer,
	})
	return s, nil
}

// Registry exposes the session registry, mainly for the room HTTP surface
// and tests.
func (s *Server) Registry() *session.Registry { return s.registry }

// Store exposes the room store.
func (s *Server) Store() store.Store { return s.store }

// Register installs the websocket and health endpoints on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/control/{sessionId}", s.handleControl)
	mux.HandleFunc("GET /ws/terminal-data/{sessionId}/{terminalName}", s.handleData)
	mux.HandleFunc("GET /ws/terminal/{sessionId}", s.handleViewer)
	mux.HandleFunc("GET /ws/jam/{roomId}", s.handleRoom)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Close tears down the broker, registry, and store.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.broker.Close()
		s.registry.Close()
		if s.ownStore {
			_ = s.store.Close()
		}
	})
}

// handleControl serves the producer control channel. The producer must
// present a bearer token; its subject becomes (or must match) the session
// owner.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Upgrade(w, r, s.checkOrigin)
	if err != nil {
		s.obs.ControlAttach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	c.SetReadLimit(int64(s.cfg.MaxFrame))
	sessionID := r.PathValue("sessionId")
	log := s.log.With("session", sessionID)

	tok, ok := auth.BearerToken(r)
	var claims auth.Claims
	if ok {
		claims, err = s.verifier.Verify(tok)
	}
	if !ok || err != nil {
		s.obs.ControlAttach(observability.AttachResultFail, observability.AttachReasonUnauthenticated)
		_ = c.CloseWithStatus(CloseUnauthenticated, "unauthenticated")
		return
	}
	principal := protocol.UserRef{Subject: claims.Subject, Username: claims.Username}

	sess := s.registry.GetOrCreate(sessionID)
	sender := ws.NewSender(c, s.cfg.MaxWriteQueueBytes)
	if err := sess.AttachControl(sender, principal); err != nil {
		code, reason := CloseBadSetup, "session closed"
		why := observability.AttachReasonSessionClosed
		switch {
		case errors.Is(err, session.ErrAlreadyConnected):
			code, reason = CloseDuplicateControl, "control already connected"
			why = observability.AttachReasonAlreadyConnected
		case errors.Is(err, session.ErrNotOwner):
			code, reason = CloseNotOwner, "not the session owner"
			why = observability.AttachReasonNotOwner
		}
		s.obs.ControlAttach(observability.AttachResultFail, why)
		sender.Close(code, reason)
		return
	}
	s.obs.ControlAttach(observability.AttachResultOK, observability.AttachReasonOK)
	s.obs.SessionCount(s.registry.Len())
	log.Info("producer control attached", "subject", principal.Subject)

	var readErr error
	for {
		mt, msg, err := c.ReadMessage(r.Context())
		if err != nil {
			readErr = err
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		m, err := protocol.ParseControl(msg)
		if err != nil {
			log.Warn("dropping control frame", "err", err)
			continue
		}
		switch cm := m.(type) {
		case protocol.ControlHandshake:
			sess.OnControlHandshake(cm)
		case protocol.TerminalStarted:
			if cm.Success {
				s.obs.TerminalSpawn(observability.SpawnResultOK)
			} else {
				s.obs.TerminalSpawn(observability.SpawnResultFail)
			}
			sess.OnTerminalStarted(cm)
		case protocol.TerminalClosed:
			if sess.OnTerminalClosed(cm.Name, cm.ExitCode) {
				s.obs.TerminalClosed()
			}
		}
	}

	code, reason := closeDetails(readErr)
	sess.DetachControl(code, reason)
	sender.Abort()
	s.obs.SessionCount(s.registry.Len())
	log.Info("producer control detached", "code", code)
}

// handleData serves one producer terminal data channel.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Upgrade(w, r, s.checkOrigin)
	if err != nil {
		return
	}
	c.SetReadLimit(int64(s.cfg.MaxFrame))
	sessionID := r.PathValue("sessionId")
	name := r.PathValue("terminalName")
	log := s.log.With("session", sessionID, "terminal", name)

	sess, found := s.registry.Get(sessionID)
	if !found {
		_ = c.CloseWithStatus(CloseNotFound, "session not found")
		return
	}
	sender := ws.NewSender(c, s.cfg.MaxWriteQueueBytes)
	if err := sess.AttachData(name, sender); err != nil {
		sender.Close(CloseBadSetup, "session closed")
		return
	}
	log.Info("terminal data channel attached")

	for {
		mt, msg, err := c.ReadMessage(r.Context())
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := protocol.ParseProducerFrame(msg)
		if err != nil {
			log.Warn("dropping data frame", "err", err)
			continue
		}
		switch fr := f.(type) {
		case protocol.OutputFrame:
			sess.OnOutput(name, fr.Data)
			s.obs.OutputBytes(len(fr.Data))
		case protocol.HandshakeFrame:
			sess.OnDataHandshake(name, fr.Handshake)
		case protocol.ExitFrame:
			if sess.OnTerminalClosed(name, fr.Code) {
				s.obs.TerminalClosed()
			}
		case protocol.SnapshotFrame:
			sess.OnSnapshot(name, fr.Snapshot)
		}
	}

	sess.OnDataClosed(name, sender)
	sender.Abort()
}

// handleViewer serves one browser viewer channel. The first message must be a
// setup request; after that the socket carries terminal input and resizes.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Upgrade(w, r, s.checkOrigin)
	if err != nil {
		s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	c.SetReadLimit(int64(s.cfg.MaxFrame))
	sessionID := r.PathValue("sessionId")
	log := s.log.With("session", sessionID)

	sess, found := s.registry.Get(sessionID)
	if !found {
		s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonSessionNotFound)
		_ = c.CloseWithStatus(CloseNotFound, "session not found")
		return
	}

	setupCtx, cancel := context.WithTimeout(r.Context(), s.cfg.ViewerSetupTimeout)
	mt, msg, err := c.ReadMessage(setupCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonSetupTimeout)
			_ = c.CloseWithStatus(CloseSetupTimeout, "setup timeout")
		}
		return
	}
	if mt != websocket.TextMessage {
		s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonBadSetup)
		_ = c.CloseWithStatus(CloseBadSetup, "invalid setup")
		return
	}
	setup, err := protocol.ParseSetup(msg)
	if err != nil {
		s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonBadSetup)
		_ = c.CloseWithStatus(CloseBadSetup, "invalid setup")
		return
	}
	if !sess.Online() {
		s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonSessionNotReady)
		_ = c.CloseWithStatus(CloseBadSetup, "session not ready")
		return
	}

	role := observability.ViewerRoleInteractive
	if setup.Action == protocol.ActionMirror {
		role = observability.ViewerRoleMirror
	}
	sender := ws.NewSender(c, s.cfg.MaxWriteQueueBytes)

	_, _, terminalExists := sess.TerminalGeometry(setup.Name)
	attached := true
	switch {
	case terminalExists:
		// A "new" request against an existing name joins it interactively
		// instead of spawning a duplicate.
		interactive := setup.Action == protocol.ActionNew
		if err := sess.JoinExisting(sender, setup.Name, interactive); err != nil {
			s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonSessionClosed)
			sender.Close(CloseBadSetup, "session closed")
			return
		}
		cols, rows, _ := sess.TerminalGeometry(setup.Name)
		_ = sender.SendText(protocol.EncodeSetupResponse(protocol.SetupResponse{
			Success: true,
			Name:    setup.Name,
			Cols:    cols,
			Rows:    rows,
		}))
	case setup.Action == protocol.ActionMirror:
		// The socket stays open so the browser can retry, but the attach
		// failed and the gauge must not count it.
		attached = false
		s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonTerminalNotFound)
		_ = sender.SendText(protocol.EncodeSetupResponse(protocol.SetupResponse{
			Success: false,
			Error:   "Terminal not found",
		}))
	default:
		// The setup_response arrives once the producer answers start_terminal.
		if _, err := sess.RequestSpawn(sender, setup.Name, setup.Cols, setup.Rows, setup.CreatedBy); err != nil {
			s.obs.ViewerAttach(observability.AttachResultFail, observability.AttachReasonSessionNotReady)
			sender.Close(CloseBadSetup, "session not ready")
			return
		}
	}

	if attached {
		s.obs.ViewerAttach(observability.AttachResultOK, observability.AttachReasonOK)
		s.obs.ViewerCount(atomic.AddInt64(&s.viewerCount, 1))
		defer func() {
			s.obs.ViewerCount(atomic.AddInt64(&s.viewerCount, -1))
		}()
	}

	for {
		mt, msg, err := c.ReadMessage(r.Context())
		if err != nil {
			break
		}
		switch mt {
		case websocket.BinaryMessage:
			if name, ok := sess.TerminalFor(sender); ok {
				sess.OnInput(name, sender, msg)
			}
		case websocket.TextMessage:
			m, err := protocol.ParseViewerMessage(msg)
			if err != nil {
				log.Warn("dropping viewer frame", "err", err)
				continue
			}
			name, ok := sess.TerminalFor(sender)
			if !ok {
				continue
			}
			switch vm := m.(type) {
			case protocol.ViewerInput:
				sess.OnInput(name, sender, []byte(vm.Data))
			case protocol.ViewerResize:
				sess.OnResize(name, sender, vm.Cols, vm.Rows)
			}
		}
	}

	sess.RemoveViewer(sender)
	if errors.Is(sender.Err(), ws.ErrSlowConsumer) {
		s.obs.SlowConsumer(role)
	}
	sender.Abort()
}

// handleRoom serves one collaboration room participant channel. Identity
// comes from the ambient identity cookie (or a bearer header).
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Upgrade(w, r, s.checkOrigin)
	if err != nil {
		s.obs.RoomAttach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	c.SetReadLimit(int64(s.cfg.MaxFrame))
	roomID := r.PathValue("roomId")
	log := s.log.With("room", roomID)

	claims, err := s.verifier.FromRequest(r)
	if err != nil {
		s.obs.RoomAttach(observability.AttachResultFail, observability.AttachReasonUnauthenticated)
		_ = c.CloseWithStatus(CloseUnauthenticated, "unauthenticated")
		return
	}
	user := protocol.UserRef{Subject: claims.Subject, Username: claims.Username}

	sender := ws.NewSender(c, s.cfg.MaxWriteQueueBytes)
	if err := s.broker.Join(roomID, sender, user); err != nil {
		switch {
		case errors.Is(err, room.ErrRoomNotFound):
			s.obs.RoomAttach(observability.AttachResultFail, observability.AttachReasonRoomNotFound)
			sender.Close(CloseNotFound, "room not found")
		case errors.Is(err, room.ErrNotMember):
			s.obs.RoomAttach(observability.AttachResultFail, observability.AttachReasonNotMember)
			sender.Close(CloseNotOwner, "not a room member")
		default:
			log.Error("room join failed", "err", err)
			sender.Close(websocket.CloseInternalServerErr, "internal error")
		}
		return
	}
	s.obs.RoomAttach(observability.AttachResultOK, observability.AttachReasonOK)
	log.Info("participant joined", "subject", user.Subject)

	for {
		mt, msg, err := c.ReadMessage(r.Context())
		if err != nil {
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.broker.HandleMessage(roomID, sender, user, msg)
	}

	s.broker.Leave(roomID, sender)
	sender.Abort()
}

// closeDetails extracts the peer's close code and reason from a read error.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}
