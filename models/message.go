package models

import (
	"time"
)

// Message is one entry in a session's chat log. Rows are immutable
// once created; edits and deletes are not part of the product.
type Message struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	SessionID string    `json:"session_id" gorm:"not null;index"`
	UserID    string    `json:"user_id" gorm:"not null"`
	UserName  string    `json:"user_name"` // denormalized from profile service
	Content   *string   `json:"content,omitempty" gorm:"type:text"`
	ImageURL  *string   `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}
