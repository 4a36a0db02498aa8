package models

import (
	"time"
)

// Session is a time-boxed group challenge with a join code and a
// weekly point competition between its members.
type Session struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	JoinCode  string    `json:"join_code" gorm:"uniqueIndex;not null"` // stored uppercase
	CreatorID string    `json:"creator_id" gorm:"not null;index"`
	Status    string    `json:"status" gorm:"not null"` // active, ended
	WeekStart time.Time `json:"week_start" gorm:"not null"`
	WeekEnd   time.Time `json:"week_end" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Relationships
	Members []SessionMember `json:"members,omitempty" gorm:"foreignKey:SessionID"`

	// Calculated fields (not stored in DB)
	MemberCount int64 `json:"member_count,omitempty" gorm:"-"`
}

const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// SessionMember links a user to a session. A user may join a session
// at most once; the composite unique index backs the idempotent-join
// contract.
type SessionMember struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	SessionID string    `json:"session_id" gorm:"not null;uniqueIndex:idx_session_user"`
	UserID    string    `json:"user_id" gorm:"not null;uniqueIndex:idx_session_user"`
	UserName  string    `json:"user_name"` // denormalized from profile service
	Points    int       `json:"points" gorm:"not null"`
	JoinedAt  time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

// SessionDare is a member-submitted dare text. Dares are bulk-deleted
// at weekly rollover, so the (session_id, user_id) unique index is the
// one-dare-per-member-per-week rule.
type SessionDare struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	SessionID string    `json:"session_id" gorm:"not null;uniqueIndex:idx_session_dare_user"`
	UserID    string    `json:"user_id" gorm:"not null;uniqueIndex:idx_session_dare_user"`
	DareText  string    `json:"dare_text" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// SessionWeekResult is the append-only audit record written at weekly
// rollover. DareText is snapshotted because the dare rows themselves
// are deleted in the same transaction.
type SessionWeekResult struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	SessionID    string    `json:"session_id" gorm:"not null;index"`
	LoserUserID  string    `json:"loser_user_id" gorm:"not null"`
	ChosenDareID *string   `json:"chosen_dare_id,omitempty"`
	DareText     string    `json:"dare_text"`
	WeekStart    time.Time `json:"week_start"`
	WeekEnd      time.Time `json:"week_end"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}
