package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/saurabhdas/pair-claudeing/observability"
	"github.com/saurabhdas/pair-claudeing/protocol"
)

// Config tunes the registry and the sessions it creates.
type Config struct {
	DefaultCols     uint16
	DefaultRows     uint16
	SessionMaxAge   time.Duration // sessions older than this are swept
	ReconnectWindow time.Duration // producer grace period after control loss
	SpawnTimeout    time.Duration // bound on start_terminal round trips
	SweepInterval   time.Duration
	ClosedRingSize  int // recently closed sessions kept for inspection
	EventBuffer     int
	Logger          *slog.Logger
	Observer        observability.RelayObserver
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCols:     80,
		DefaultRows:     24,
		SessionMaxAge:   time.Hour,
		ReconnectWindow: 30 * time.Second,
		SpawnTimeout:    30 * time.Second,
		SweepInterval:   time.Minute,
		ClosedRingSize:  50,
		EventBuffer:     256,
	}
}

// ClosedSession records a recently closed session.
type ClosedSession struct {
	ID         string
	Owner      protocol.UserRef
	Hostname   string
	WorkingDir string
	ClosedAt   time.Time
	Reason     string
}

// Registry is the process-wide id to session mapping. It publishes lifecycle
// events on a single bus and keeps a bounded ring of closed sessions.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	ring     []ClosedSession

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry builds a registry and starts its sweep loop.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = def.DefaultCols
	}
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = def.DefaultRows
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = def.SessionMaxAge
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = def.ReconnectWindow
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = def.SpawnTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ClosedRingSize <= 0 {
		cfg.ClosedRingSize = def.ClosedRingSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRelayObserver
	}
	r := &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating it in PENDING if absent.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := newSession(id, Options{
		DefaultCols:     r.cfg.DefaultCols,
		DefaultRows:     r.cfg.DefaultRows,
		ReconnectWindow: r.cfg.ReconnectWindow,
		SpawnTimeout:    r.cfg.SpawnTimeout,
		Logger:          r.log,
		Observer:        r.cfg.Observer,
		Emit:            r.publish,
		OnClosed:        r.sessionClosed,
	})
	r.sessions[id] = s
	return s
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Events returns the registry event bus. Events are dropped, with a warning,
// if no consumer keeps up.
func (r *Registry) Events() <-chan Event { return r.events }

// ClosedSessions returns the ring of recently closed sessions, newest first.
func (r *Registry) ClosedSessions() []ClosedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClosedSession, len(r.ring))
	for i, cs := range r.ring {
		out[len(r.ring)-1-i] = cs
	}
	return out
}

// sessionClosed is the per-session OnClosed hook. The session has already
// released its own lock, so taking the registry lock here preserves the
// registry-before-session lock order.
func (r *Registry) sessionClosed(s *Session, reason string) {
	hs := s.Handshake()
	owner, _ := s.Owner()
	entry := ClosedSession{
		ID:         s.ID(),
		Owner:      owner,
		Hostname:   hs.Hostname,
		WorkingDir: hs.WorkingDir,
		ClosedAt:   time.Now(),
		Reason:     reason,
	}

	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.ring = append(r.ring, entry)
	if len(r.ring) > r.cfg.ClosedRingSize {
		r.ring = r.ring[len(r.ring)-r.cfg.ClosedRingSize:]
	}
	r.mu.Unlock()

	r.cfg.Observer.SessionClosed(reason)
	r.publish(Event{Kind: EventSessionClosed, SessionID: s.ID(), Owner: owner, Reason: reason})
}

func (r *Registry) publish(e Event) {
	select {
	case r.events <- e:
	default:
		r.log.Warn("registry event dropped", "kind", e.Kind.String(), "session", e.SessionID)
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.SessionMaxAge)
	r.mu.Lock()
	var expired []*Session
	for _, s := range r.sessions {
		if s.CreatedAt().Before(cutoff) {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.log.Info("sweeping expired session", "session", s.ID())
		s.BroadcastDisconnect(protocol.DisconnectSessionEnded)
		s.Close(ReasonTimeout)
	}
}

// Close stops the sweep loop and closes every live session.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		live := make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			live = append(live, s)
		}
		r.mu.Unlock()
		for _, s := range live {
			s.Close(ReasonError)
		}
	})
}
