// Package observability defines the metric event hooks emitted by the relay.
// Implementations must be cheap and non-blocking; the relay calls them from
// hot paths.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type AttachResult string

const (
	AttachResultOK   AttachResult = "ok"
	AttachResultFail AttachResult = "fail"
)

type AttachReason string

const (
	AttachReasonOK               AttachReason = "ok"
	AttachReasonUpgradeError     AttachReason = "upgrade_error"
	AttachReasonUnauthenticated  AttachReason = "unauthenticated"
	AttachReasonNotOwner         AttachReason = "not_owner"
	AttachReasonAlreadyConnected AttachReason = "already_connected"
	AttachReasonSessionNotFound  AttachReason = "session_not_found"
	AttachReasonSessionClosed    AttachReason = "session_closed"
	AttachReasonSessionNotReady  AttachReason = "session_not_ready"
	AttachReasonRoomNotFound     AttachReason = "room_not_found"
	AttachReasonTerminalNotFound AttachReason = "terminal_not_found"
	AttachReasonBadSetup         AttachReason = "bad_setup"
	AttachReasonSetupTimeout     AttachReason = "setup_timeout"
	AttachReasonNotMember        AttachReason = "not_member"
)

type SpawnResult string

const (
	SpawnResultOK      SpawnResult = "ok"
	SpawnResultFail    SpawnResult = "fail"
	SpawnResultTimeout SpawnResult = "timeout"
)

type ViewerRole string

const (
	ViewerRoleInteractive ViewerRole = "interactive"
	ViewerRoleMirror      ViewerRole = "mirror"
)

// RelayObserver receives relay-level metric events.
type RelayObserver interface {
	SessionCount(n int)
	ViewerCount(n int64)
	ControlAttach(result AttachResult, reason AttachReason)
	ViewerAttach(result AttachResult, reason AttachReason)
	RoomAttach(result AttachResult, reason AttachReason)
	SessionClosed(reason string)
	TerminalSpawn(result SpawnResult)
	TerminalClosed()
	OutputBytes(n int)
	SnapshotSync(d time.Duration)
	SlowConsumer(role ViewerRole)
	RoomBroadcast(kind string)
}

type noopRelayObserver struct{}

func (noopRelayObserver) SessionCount(int)                        {}
func (noopRelayObserver) ViewerCount(int64)                       {}
func (noopRelayObserver) ControlAttach(AttachResult, AttachReason) {}
func (noopRelayObserver) ViewerAttach(AttachResult, AttachReason)  {}
func (noopRelayObserver) RoomAttach(AttachResult, AttachReason)    {}
func (noopRelayObserver) SessionClosed(string)                    {}
func (noopRelayObserver) TerminalSpawn(SpawnResult)               {}
func (noopRelayObserver) TerminalClosed()                         {}
func (noopRelayObserver) OutputBytes(int)                         {}
func (noopRelayObserver) SnapshotSync(time.Duration)              {}
func (noopRelayObserver) SlowConsumer(ViewerRole)                 {}
func (noopRelayObserver) RoomBroadcast(string)                    {}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// AtomicRelayObserver swaps its delegate at runtime, so metrics can be
// toggled on a live process.
type AtomicRelayObserver struct {
	once sync.Once
	v    atomic.Value
}

type relayObserverHolder struct {
	obs RelayObserver
}

// NewAtomicRelayObserver returns an initialized atomic observer.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	a := &AtomicRelayObserver{}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRelayObserver) Set(obs RelayObserver) {
	if obs == nil {
		obs = NoopRelayObserver
	}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	a.v.Store(&relayObserverHolder{obs: obs})
}

func (a *AtomicRelayObserver) load() RelayObserver {
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a.v.Load().(*relayObserverHolder).obs
}

func (a *AtomicRelayObserver) SessionCount(n int)  { a.load().SessionCount(n) }
func (a *AtomicRelayObserver) ViewerCount(n int64) { a.load().ViewerCount(n) }
func (a *AtomicRelayObserver) ControlAttach(result AttachResult, reason AttachReason) {
	a.load().ControlAttach(result, reason)
}
func (a *AtomicRelayObserver) ViewerAttach(result AttachResult, reason AttachReason) {
	a.load().ViewerAttach(result, reason)
}
func (a *AtomicRelayObserver) RoomAttach(result AttachResult, reason AttachReason) {
	a.load().RoomAttach(result, reason)
}
func (a *AtomicRelayObserver) SessionClosed(reason string)     { a.load().SessionClosed(reason) }
func (a *AtomicRelayObserver) TerminalSpawn(result SpawnResult) { a.load().TerminalSpawn(result) }
func (a *AtomicRelayObserver) TerminalClosed()                 { a.load().TerminalClosed() }
func (a *AtomicRelayObserver) OutputBytes(n int)               { a.load().OutputBytes(n) }
func (a *AtomicRelayObserver) SnapshotSync(d time.Duration)    { a.load().SnapshotSync(d) }
func (a *AtomicRelayObserver) SlowConsumer(role ViewerRole)    { a.load().SlowConsumer(role) }
func (a *AtomicRelayObserver) RoomBroadcast(kind string)       { a.load().RoomBroadcast(kind) }
