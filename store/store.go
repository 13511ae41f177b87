// Package store persists room state: membership, the session pool, the
// shared panel selection, and invitations. The relay core keeps no durable
// state of its own; everything here survives a restart.
package store

import (
	"errors"
	"time"

	"github.com/saurabhdas/pair-claudeing/protocol"
)

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomExists         = errors.New("room already exists")
	ErrDuplicateSession   = errors.New("session already in pool")
	ErrNotInPool          = errors.New("session not in pool")
	ErrInvitationNotFound = errors.New("invitation not found")
)

// Pool session statuses.
const (
	PoolStatusOnline  = "online"
	PoolStatusOffline = "offline"
	PoolStatusClosed  = "closed"
)

// Invitation statuses.
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusDeclined = "declined"
)

// Room is a durable collaboration room record.
type Room struct {
	ID        string
	Owner     protocol.UserRef
	Archived  bool
	CreatedAt time.Time
}

// Participant is one room member.
type Participant struct {
	User    protocol.UserRef
	AddedAt time.Time
}

// PoolEntry is one session surfaced in a room.
type PoolEntry struct {
	SessionID  string
	AddedBy    protocol.UserRef
	Hostname   string
	WorkingDir string
	Status     string
	Graceful   bool
	AddedAt    time.Time
}

// Invitation is a pending or answered room invitation.
type Invitation struct {
	ID        int64
	RoomID    string
	Invitee   protocol.UserRef
	Inviter   string
	Status    string
	CreatedAt time.Time
}

// Store is the persistence contract the room broker depends on.
type Store interface {
	GetRoom(id string) (Room, error)
	CreateRoom(id string, owner protocol.UserRef) error
	ArchiveRoom(id string) error
	IsRoomMember(roomID, subject string) (bool, error)
	ListParticipants(roomID string) ([]Participant, error)
	AddParticipant(roomID string, user protocol.UserRef) error

	GetPool(roomID string) ([]PoolEntry, error)
	AddToPool(roomID, sessionID string, adder protocol.UserRef, hostname, workingDir string) error
	RemoveFromPool(roomID, sessionID string) error
	MarkPoolSessionClosed(sessionID string, graceful bool) error
	MarkPoolSessionOnline(sessionID string) error
	// RoomsWithSession lists rooms whose pool contains the session, for
	// targeting registry events at the rooms that care.
	RoomsWithSession(sessionID string) ([]string, error)

	GetSharedPanelState(roomID string) (protocol.PanelState, error)
	SetSharedPanelState(roomID, panel, sessionID, terminalName string) error

	CreateInvitation(roomID string, invitee protocol.UserRef, inviterSubject string) (int64, error)
	ListPendingInvitations(roomID string) ([]Invitation, error)
	RespondInvitation(id int64, accept bool) error

	Close() error
}
