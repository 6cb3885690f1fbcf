package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/secret"
	"gorm.io/gorm"
)

// NewToolServer is the input for registering a tool server.
type NewToolServer struct {
	Name          string
	URL           string
	AuthType      string
	OAuthProvider string
	APIKey        string // plaintext; encrypted before storage
}

// ToolServerStore manages per-user tool server configurations.
type ToolServerStore struct {
	db     *gorm.DB
	cipher secret.Cipher
}

func NewToolServerStore(db *gorm.DB, cipher secret.Cipher) *ToolServerStore {
	return &ToolServerStore{db: db, cipher: cipher}
}

// Create registers a new enabled server for userID.
func (s *ToolServerStore) Create(ctx context.Context, userID string, in NewToolServer) (*models.ToolServer, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.URL = strings.TrimSpace(in.URL)
	if in.Name == "" || in.URL == "" {
		return nil, fmt.Errorf("name and url are required")
	}
	if in.AuthType == "" {
		in.AuthType = models.AuthTypeNone
	}
	if !models.ValidAuthType(in.AuthType) {
		return nil, fmt.Errorf("unsupported auth type %q", in.AuthType)
	}
	if in.AuthType == models.AuthTypeOAuth && in.OAuthProvider == "" {
		return nil, fmt.Errorf("oauth servers require an oauth provider")
	}

	server := models.ToolServer{
		ID:            uuid.New().String(),
		UserID:        userID,
		Name:          in.Name,
		URL:           in.URL,
		AuthType:      in.AuthType,
		OAuthProvider: in.OAuthProvider,
		IsEnabled:     true,
	}
	if in.APIKey != "" {
		enc, err := s.cipher.Encrypt(in.APIKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt api key: %w", err)
		}
		server.APIKeyEncrypted = enc
	}
	if err := s.db.WithContext(ctx).Create(&server).Error; err != nil {
		return nil, err
	}
	return &server, nil
}

// Get returns a server owned by userID.
func (s *ToolServerStore) Get(ctx context.Context, userID, serverID string) (*models.ToolServer, error) {
	var server models.ToolServer
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", serverID, userID).
		First(&server).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &server, nil
}

// List returns every server owned by userID ordered by creation.
func (s *ToolServerStore) List(ctx context.Context, userID string) ([]models.ToolServer, error) {
	var servers []models.ToolServer
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&servers).Error
	return servers, err
}

// SetEnabled toggles a server owned by userID.
func (s *ToolServerStore) SetEnabled(ctx context.Context, userID, serverID string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.ToolServer{}).
		Where("id = ? AND user_id = ?", serverID, userID).
		Updates(map[string]any{"is_enabled": enabled, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// Delete removes a server owned by userID.
func (s *ToolServerStore) Delete(ctx context.Context, userID, serverID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", serverID, userID).
		Delete(&models.ToolServer{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
