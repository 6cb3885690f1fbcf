package models

import "time"

// OAuthConnection stores encrypted third-party OAuth credentials for a user.
// Disabled connections are kept for audit until the user deletes them.
type OAuthConnection struct {
	ID                    string    `gorm:"primaryKey" json:"id"` // UUID
	UserID                string    `gorm:"not null;uniqueIndex:idx_oauth_connection,priority:1;index:idx_oauth_user_provider,priority:1" json:"user_id"`
	Provider              string    `gorm:"not null;size:50;uniqueIndex:idx_oauth_connection,priority:2;index:idx_oauth_user_provider,priority:2" json:"provider"`
	ProviderUserID        string    `gorm:"not null;default:'';uniqueIndex:idx_oauth_connection,priority:3" json:"provider_user_id,omitempty"`
	AccessTokenEncrypted  string    `gorm:"type:text;not null" json:"-"`
	RefreshTokenEncrypted string    `gorm:"type:text" json:"-"`
	ExpiresAt             time.Time `json:"expires_at"`
	Scopes                string    `gorm:"type:text" json:"-"` // JSON array
	Metadata              string    `gorm:"type:text" json:"-"` // JSON object, e.g. cloudId for Atlassian
	IsEnabled             bool      `json:"is_enabled"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}
