package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/saurabhdas/pair-claudeing/protocol"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	owner = protocol.UserRef{Subject: "u-owner", Username: "olivia"}
	guest = protocol.UserRef{Subject: "u-guest", Username: "gus"}
)

func TestRoomLifecycle(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateRoom("r1", owner); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if err := s.CreateRoom("r1", owner); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}

	room, err := s.GetRoom("r1")
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if room.Owner != owner {
		t.Fatalf("owner = %#v", room.Owner)
	}

	// The owner is a member from creation.
	if ok, err := s.IsRoomMember("r1", owner.Subject); err != nil || !ok {
		t.Fatalf("IsRoomMember(owner) = %v, %v", ok, err)
	}
	if ok, _ := s.IsRoomMember("r1", guest.Subject); ok {
		t.Fatal("guest is a member before being added")
	}

	if err := s.AddParticipant("r1", guest); err != nil {
		t.Fatalf("AddParticipant() failed: %v", err)
	}
	// Adding twice is idempotent.
	if err := s.AddParticipant("r1", guest); err != nil {
		t.Fatalf("AddParticipant() repeat failed: %v", err)
	}
	parts, err := s.ListParticipants("r1")
	if err != nil {
		t.Fatalf("ListParticipants() failed: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("participants = %#v", parts)
	}

	if err := s.ArchiveRoom("r1"); err != nil {
		t.Fatalf("ArchiveRoom() failed: %v", err)
	}
	if _, err := s.GetRoom("r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound after archive, got %v", err)
	}
	if _, err := s.GetRoom("missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestPoolAddRemoveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRoom("r1", owner); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}

	if err := s.AddToPool("r1", "sess-a", owner, "devbox", "/work"); err != nil {
		t.Fatalf("AddToPool() failed: %v", err)
	}
	if err := s.AddToPool("r1", "sess-a", owner, "devbox", "/work"); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	pool, err := s.GetPool("r1")
	if err != nil {
		t.Fatalf("GetPool() failed: %v", err)
	}
	if len(pool) != 1 || pool[0].SessionID != "sess-a" || pool[0].Status != PoolStatusOnline || pool[0].Hostname != "devbox" {
		t.Fatalf("pool = %#v", pool)
	}

	// Remove restores the prior (empty) pool.
	if err := s.RemoveFromPool("r1", "sess-a"); err != nil {
		t.Fatalf("RemoveFromPool() failed: %v", err)
	}
	if err := s.RemoveFromPool("r1", "sess-a"); !errors.Is(err, ErrNotInPool) {
		t.Fatalf("expected ErrNotInPool, got %v", err)
	}
	if pool, _ = s.GetPool("r1"); len(pool) != 0 {
		t.Fatalf("pool not empty after remove: %#v", pool)
	}
}

func TestPoolStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRoom("r1", owner); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if err := s.CreateRoom("r2", guest); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}
	if err := s.AddToPool("r1", "sess-a", owner, "", ""); err != nil {
		t.Fatalf("AddToPool() failed: %v", err)
	}
	if err := s.AddToPool("r2", "sess-a", guest, "", ""); err != nil {
		t.Fatalf("AddToPool() failed: %v", err)
	}

	rooms, err := s.RoomsWithSession("sess-a")
	if err != nil {
		t.Fatalf("RoomsWithSession() failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("rooms = %v", rooms)
	}

	// Closed marks every room's copy.
	if err := s.MarkPoolSessionClosed("sess-a", true); err != nil {
		t.Fatalf("MarkPoolSessionClosed() failed: %v", err)
	}
	for _, room := range []string{"r1", "r2"} {
		pool, _ := s.GetPool(room)
		if pool[0].Status != PoolStatusClosed || !pool[0].Graceful {
			t.Fatalf("room %s pool = %#v", room, pool)
		}
	}

	if err := s.MarkPoolSessionOnline("sess-a"); err != nil {
		t.Fatalf("MarkPoolSessionOnline() failed: %v", err)
	}
	pool, _ := s.GetPool("r1")
	if pool[0].Status != PoolStatusOnline || pool[0].Graceful {
		t.Fatalf("pool = %#v", pool)
	}
}

func TestSharedPanelState(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRoom("r1", owner); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}

	state, err := s.GetSharedPanelState("r1")
	if err != nil {
		t.Fatalf("GetSharedPanelState() failed: %v", err)
	}
	if state.Left != nil || state.Right != nil {
		t.Fatalf("fresh state = %#v", state)
	}

	if err := s.SetSharedPanelState("r1", protocol.PanelLeft, "sess-a", "7421"); err != nil {
		t.Fatalf("SetSharedPanelState() failed: %v", err)
	}
	if err := s.SetSharedPanelState("r1", protocol.PanelRight, "sess-b", ""); err != nil {
		t.Fatalf("SetSharedPanelState() failed: %v", err)
	}
	// Re-pointing a panel overwrites the previous selection.
	if err := s.SetSharedPanelState("r1", protocol.PanelLeft, "sess-c", "main"); err != nil {
		t.Fatalf("SetSharedPanelState() overwrite failed: %v", err)
	}

	state, err = s.GetSharedPanelState("r1")
	if err != nil {
		t.Fatalf("GetSharedPanelState() failed: %v", err)
	}
	if state.Left == nil || state.Left.SessionID != "sess-c" || state.Left.TerminalName != "main" {
		t.Fatalf("left = %#v", state.Left)
	}
	if state.Right == nil || state.Right.SessionID != "sess-b" {
		t.Fatalf("right = %#v", state.Right)
	}
}

func TestInvitationLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateRoom("r1", owner); err != nil {
		t.Fatalf("CreateRoom() failed: %v", err)
	}

	id, err := s.CreateInvitation("r1", guest, owner.Subject)
	if err != nil {
		t.Fatalf("CreateInvitation() failed: %v", err)
	}
	pending, err := s.ListPendingInvitations("r1")
	if err != nil {
		t.Fatalf("ListPendingInvitations() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Invitee != guest {
		t.Fatalf("pending = %#v", pending)
	}

	if err := s.RespondInvitation(id, true); err != nil {
		t.Fatalf("RespondInvitation() failed: %v", err)
	}
	if ok, _ := s.IsRoomMember("r1", guest.Subject); !ok {
		t.Fatal("accepted invitee is not a member")
	}
	if pending, _ = s.ListPendingInvitations("r1"); len(pending) != 0 {
		t.Fatalf("pending after accept = %#v", pending)
	}
	if err := s.RespondInvitation(id, true); !errors.Is(err, ErrInvitationNotFound) {
		t.Fatalf("expected ErrInvitationNotFound for answered invitation, got %v", err)
	}

	// Declines do not grant membership.
	other := protocol.UserRef{Subject: "u-x", Username: "xena"}
	id2, err := s.CreateInvitation("r1", other, owner.Subject)
	if err != nil {
		t.Fatalf("CreateInvitation() failed: %v", err)
	}
	if err := s.RespondInvitation(id2, false); err != nil {
		t.Fatalf("RespondInvitation(decline) failed: %v", err)
	}
	if ok, _ := s.IsRoomMember("r1", other.Subject); ok {
		t.Fatal("declined invitee became a member")
	}
}
