package models

import "time"

// Tool server authentication strategies.
const (
	AuthTypeNone            = "none"
	AuthTypeBearerDelegated = "bearer_delegated"
	AuthTypeAPIKey          = "api_key"
	AuthTypeOAuth           = "oauth"
)

// ToolServer is a user-owned JSON-RPC tool server configuration.
type ToolServer struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	UserID          string    `gorm:"not null;uniqueIndex:idx_tool_server_name,priority:1" json:"user_id"`
	Name            string    `gorm:"not null;uniqueIndex:idx_tool_server_name,priority:2" json:"name"`
	URL             string    `gorm:"type:text;not null" json:"url"`
	AuthType        string    `gorm:"not null;size:50" json:"auth_type"`
	OAuthProvider   string    `gorm:"size:50" json:"oauth_provider,omitempty"`
	APIKeyEncrypted string    `gorm:"type:text" json:"-"`
	IsEnabled       bool      `json:"is_enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ValidAuthType reports whether t is one of the supported strategies.
func ValidAuthType(t string) bool {
	switch t {
	case AuthTypeNone, AuthTypeBearerDelegated, AuthTypeAPIKey, AuthTypeOAuth:
		return true
	}
	return false
}
