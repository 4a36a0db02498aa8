package models

import (
	"time"
)

// DefaultMissionPointBonus is awarded to every active session a user
// belongs to when they complete a mission, unless the mission instance
// overrides it.
const DefaultMissionPointBonus = 50

// MissionInstance is a session-agnostic side-mission template users
// can join and complete for a point bonus.
type MissionInstance struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	Title       string     `json:"title" gorm:"not null"`
	Description string     `json:"description" gorm:"type:text"`
	MediaURL    string     `json:"media_url"`
	PointBonus  int        `json:"point_bonus" gorm:"default:50"`
	Status      string     `json:"status" gorm:"default:'active'"` // active, archived
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`

	// Calculated fields (not stored in DB)
	ParticipantCount int64  `json:"participant_count,omitempty" gorm:"-"`
	MyStatus         string `json:"my_status,omitempty" gorm:"-"` // not_started, joined, completed
}

const (
	MissionStatusActive   = "active"
	MissionStatusArchived = "archived"
)

// MissionParticipation tracks one user's progress through a mission:
// absent row → joined → completed (terminal).
type MissionParticipation struct {
	ID                string     `json:"id" gorm:"primaryKey"`
	MissionInstanceID string     `json:"mission_instance_id" gorm:"not null;uniqueIndex:idx_mission_user"`
	UserID            string     `json:"user_id" gorm:"not null;uniqueIndex:idx_mission_user"`
	Status            string     `json:"status" gorm:"not null"` // joined, completed
	JoinedAt          time.Time  `json:"joined_at" gorm:"autoCreateTime"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

const (
	ParticipationStatusJoined    = "joined"
	ParticipationStatusCompleted = "completed"
)

// MissionSubmission is the proof a user attaches when completing a
// mission. Created once, immutable.
type MissionSubmission struct {
	ID                string    `json:"id" gorm:"primaryKey"`
	MissionInstanceID string    `json:"mission_instance_id" gorm:"not null;index"`
	UserID            string    `json:"user_id" gorm:"not null;index"`
	MediaURL          string    `json:"media_url"`
	Location          string    `json:"location"`
	Notes             string    `json:"notes" gorm:"type:text"`
	CreatedAt         time.Time `json:"created_at" gorm:"autoCreateTime"`
}
