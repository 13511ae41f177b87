package store

type roomRow struct {
	RoomID       string `gorm:"column:room_id;primaryKey"`
	OwnerSubject string `gorm:"column:owner_subject;not null;default:''"`
	OwnerLogin   string `gorm:"column:owner_login;not null;default:''"`
	Archived     bool   `gorm:"column:archived;not null;default:false"`
	CreatedAt    int64  `gorm:"column:created_at;not null;default:0"`
}

func (roomRow) TableName() string { return "rooms" }

type participantRow struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID   string `gorm:"column:room_id;not null;uniqueIndex:idx_participant_room_subject"`
	Subject  string `gorm:"column:subject;not null;uniqueIndex:idx_participant_room_subject"`
	Username string `gorm:"column:username;not null;default:''"`
	AddedAt  int64  `gorm:"column:added_at;not null;default:0"`
}

func (participantRow) TableName() string { return "room_participants" }

type poolSessionRow struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID        string `gorm:"column:room_id;not null;uniqueIndex:idx_pool_room_session"`
	SessionID     string `gorm:"column:session_id;not null;uniqueIndex:idx_pool_room_session"`
	AdderSubject  string `gorm:"column:adder_subject;not null;default:''"`
	AdderUsername string `gorm:"column:adder_username;not null;default:''"`
	Hostname      string `gorm:"column:hostname;not null;default:''"`
	WorkingDir    string `gorm:"column:working_dir;not null;default:''"`
	Status        string `gorm:"column:status;not null;default:'online'"`
	Graceful      bool   `gorm:"column:graceful;not null;default:false"`
	AddedAt       int64  `gorm:"column:added_at;not null;default:0"`
	ClosedAt      int64  `gorm:"column:closed_at;not null;default:0"`
}

func (poolSessionRow) TableName() string { return "pool_sessions" }

type panelRow struct {
	RoomID       string `gorm:"column:room_id;primaryKey"`
	Panel        string `gorm:"column:panel;primaryKey"`
	SessionID    string `gorm:"column:session_id;not null;default:''"`
	TerminalName string `gorm:"column:terminal_name;not null;default:''"`
	UpdatedAt    int64  `gorm:"column:updated_at;not null;default:0"`
}

func (panelRow) TableName() string { return "panel_states" }

type invitationRow struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID         string `gorm:"column:room_id;not null"`
	InviteeSubject string `gorm:"column:invitee_subject;not null"`
	InviteeLogin   string `gorm:"column:invitee_login;not null;default:''"`
	InviterSubject string `gorm:"column:inviter_subject;not null;default:''"`
	Status         string `gorm:"column:status;not null;default:'pending'"`
	CreatedAt      int64  `gorm:"column:created_at;not null;default:0"`
	RespondedAt    int64  `gorm:"column:responded_at;not null;default:0"`
}

func (invitationRow) TableName() string { return "room_invitations" }
