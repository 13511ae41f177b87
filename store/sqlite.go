package store

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/saurabhdas/pair-claudeing/protocol"
)

// SQLite is the Store implementation backed by a single sqlite file.
type SQLite struct {
	db *gorm.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the room database at path and syncs
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, err
	}
	if err := db.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&roomRow{},
		&participantRow{},
		&poolSessionRow{},
		&panelRow{},
		&invitationRow{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return &SQLite{db: db}, nil
}

func (s *SQLite) GetRoom(id string) (Room, error) {
	var row roomRow
	err := s.db.Where("room_id = ? AND archived = ?", id, false).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return Room{
		ID:        row.RoomID,
		Owner:     protocol.UserRef{Subject: row.OwnerSubject, Username: row.OwnerLogin},
		Archived:  row.Archived,
		CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
	}, nil
}

func (s *SQLite) CreateRoom(id string, owner protocol.UserRef) error {
	now := time.Now().UTC().Unix()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&roomRow{}).Where("room_id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrRoomExists
		}
		if err := tx.Create(&roomRow{
			RoomID:       id,
			OwnerSubject: owner.Subject,
			OwnerLogin:   owner.Username,
			CreatedAt:    now,
		}).Error; err != nil {
			return err
		}
		// The owner is always a participant.
		return tx.Create(&participantRow{
			RoomID:   id,
			Subject:  owner.Subject,
			Username: owner.Username,
			AddedAt:  now,
		}).Error
	})
}

func (s *SQLite) ArchiveRoom(id string) error {
	res := s.db.Model(&roomRow{}).Where("room_id = ?", id).Update("archived", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *SQLite) IsRoomMember(roomID, subject string) (bool, error) {
	var n int64
	err := s.db.Model(&participantRow{}).
		Where("room_id = ? AND subject = ?", roomID, subject).
		Count(&n).Error
	return n > 0, err
}

func (s *SQLite) ListParticipants(roomID string) ([]Participant, error) {
	var rows []participantRow
	if err := s.db.Where("room_id = ?", roomID).Order("added_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, Participant{
			User:    protocol.UserRef{Subject: r.Subject, Username: r.Username},
			AddedAt: time.Unix(r.AddedAt, 0).UTC(),
		})
	}
	return out, nil
}

func (s *SQLite) AddParticipant(roomID string, user protocol.UserRef) error {
	ok, err := s.IsRoomMember(roomID, user.Subject)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.db.Create(&participantRow{
		RoomID:   roomID,
		Subject:  user.Subject,
		Username: user.Username,
		AddedAt:  time.Now().UTC().Unix(),
	}).Error
}

func (s *SQLite) GetPool(roomID string) ([]PoolEntry, error) {
	var rows []poolSessionRow
	if err := s.db.Where("room_id = ?", roomID).Order("added_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PoolEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, PoolEntry{
			SessionID:  r.SessionID,
			AddedBy:    protocol.UserRef{Subject: r.AdderSubject, Username: r.AdderUsername},
			Hostname:   r.Hostname,
			WorkingDir: r.WorkingDir,
			Status:     r.Status,
			Graceful:   r.Graceful,
			AddedAt:    time.Unix(r.AddedAt, 0).UTC(),
		})
	}
	return out, nil
}

func (s *SQLite) AddToPool(roomID, sessionID string, adder protocol.UserRef, hostname, workingDir string) error {
	var n int64
	if err := s.db.Model(&poolSessionRow{}).
		Where("room_id = ? AND session_id = ?", roomID, sessionID).
		Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ErrDuplicateSession
	}
	return s.db.Create(&poolSessionRow{
		RoomID:        roomID,
		SessionID:     sessionID,
		AdderSubject:  adder.Subject,
		AdderUsername: adder.Username,
		Hostname:      hostname,
		WorkingDir:    workingDir,
		Status:        PoolStatusOnline,
		AddedAt:       time.Now().UTC().Unix(),
	}).Error
}

func (s *SQLite) RemoveFromPool(roomID, sessionID string) error {
	res := s.db.Where("room_id = ? AND session_id = ?", roomID, sessionID).Delete(&poolSessionRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotInPool
	}
	return nil
}

func (s *SQLite) MarkPoolSessionClosed(sessionID string, graceful bool) error {
	return s.db.Model(&poolSessionRow{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"status":    PoolStatusClosed,
			"graceful":  graceful,
			"closed_at": time.Now().UTC().Unix(),
		}).Error
}

func (s *SQLite) MarkPoolSessionOnline(sessionID string) error {
	return s.db.Model(&poolSessionRow{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"status":    PoolStatusOnline,
			"graceful":  false,
			"closed_at": 0,
		}).Error
}

func (s *SQLite) RoomsWithSession(sessionID string) ([]string, error) {
	var ids []string
	err := s.db.Model(&poolSessionRow{}).
		Where("session_id = ?", sessionID).
		Pluck("room_id", &ids).Error
	return ids, err
}

func (s *SQLite) GetSharedPanelState(roomID string) (protocol.PanelState, error) {
	var rows []panelRow
	if err := s.db.Where("room_id = ?", roomID).Find(&rows).Error; err != nil {
		return protocol.PanelState{}, err
	}
	var state protocol.PanelState
	for _, r := range rows {
		if r.SessionID == "" {
			continue
		}
		sel := &protocol.PanelSelection{SessionID: r.SessionID, TerminalName: r.TerminalName}
		switch r.Panel {
		case protocol.PanelLeft:
			state.Left = sel
		case protocol.PanelRight:
			state.Right = sel
		}
	}
	return state, nil
}

func (s *SQLite) SetSharedPanelState(roomID, panel, sessionID, terminalName string) error {
	now := time.Now().UTC().Unix()
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&panelRow{}).
			Where("room_id = ? AND panel = ?", roomID, panel).
			Updates(map[string]any{
				"session_id":    sessionID,
				"terminal_name": terminalName,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&panelRow{
			RoomID:       roomID,
			Panel:        panel,
			SessionID:    sessionID,
			TerminalName: terminalName,
			UpdatedAt:    now,
		}).Error
	})
}

func (s *SQLite) CreateInvitation(roomID string, invitee protocol.UserRef, inviterSubject string) (int64, error) {
	row := invitationRow{
		RoomID:         roomID,
		InviteeSubject: invitee.Subject,
		InviteeLogin:   invitee.Username,
		InviterSubject: inviterSubject,
		Status:         InviteStatusPending,
		CreatedAt:      time.Now().UTC().Unix(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *SQLite) ListPendingInvitations(roomID string) ([]Invitation, error) {
	var rows []invitationRow
	if err := s.db.Where("room_id = ? AND status = ?", roomID, InviteStatusPending).
		Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Invitation, 0, len(rows))
	for _, r := range rows {
		out = append(out, Invitation{
			ID:        r.ID,
			RoomID:    r.RoomID,
			Invitee:   protocol.UserRef{Subject: r.InviteeSubject, Username: r.InviteeLogin},
			Inviter:   r.InviterSubject,
			Status:    r.Status,
			CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
		})
	}
	return out, nil
}

func (s *SQLite) RespondInvitation(id int64, accept bool) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row invitationRow
		err := tx.Where("id = ? AND status = ?", id, InviteStatusPending).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvitationNotFound
		}
		if err != nil {
			return err
		}
		status := InviteStatusDeclined
		if accept {
			status = InviteStatusAccepted
		}
		if err := tx.Model(&invitationRow{}).Where("id = ?", id).Updates(map[string]any{
			"status":       status,
			"responded_at": time.Now().UTC().Unix(),
		}).Error; err != nil {
			return err
		}
		if !accept {
			return nil
		}
		var n int64
		if err := tx.Model(&participantRow{}).
			Where("room_id = ? AND subject = ?", row.RoomID, row.InviteeSubject).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		return tx.Create(&participantRow{
			RoomID:   row.RoomID,
			Subject:  row.InviteeSubject,
			Username: row.InviteeLogin,
			AddedAt:  time.Now().UTC().Unix(),
		}).Error
	})
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
