package models

import (
	"time"
)

// ProfileMirror is a denormalized copy of a user profile from the
// remote auth/profile service, refreshed by the profile sync worker.
// It keeps member and message snapshots readable without a remote
// call per request.
type ProfileMirror struct {
	UserID    string    `json:"user_id" gorm:"primaryKey"`
	UserName  string    `json:"user_name"`
	AvatarURL string    `json:"avatar_url"`
	UpdatedAt time.Time `json:"updated_at"` // remote-side change time, used as the sync cursor
	SyncedAt  time.Time `json:"synced_at"`
}
