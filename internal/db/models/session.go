package models

import "time"

// Session maps a hashed bearer token to the user it authenticates.
type Session struct {
	TokenHash string `gorm:"primaryKey"` // sha256 hex of the bearer token
	UserID    string `gorm:"not null;index"`
	ExpiresAt *time.Time
	CreatedAt time.Time
}
