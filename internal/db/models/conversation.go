package models

import "time"

// Conversation groups an append-only message log for one user.
type Conversation struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"not null;index" json:"user_id"`
	Title     string    `gorm:"size:500;not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one role/content row of a conversation transcript.
type Message struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	ConversationID string    `gorm:"not null;index" json:"conversation_id"`
	Role           string    `gorm:"size:20;not null" json:"role"` // user, assistant, system, tool
	Content        string    `gorm:"type:text;not null" json:"content"`
	Metadata       string    `gorm:"type:text" json:"metadata,omitempty"` // JSON, e.g. {"toolsUsed":true}
	Seq            int64     `gorm:"index" json:"-"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}
