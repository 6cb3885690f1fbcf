package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialStore persists encrypted OAuth connections. It never sees
// plaintext token material; callers encrypt before writing.
type CredentialStore struct {
	db *gorm.DB
}

// NewCredentialStore creates a store backed by db.
func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// FindEnabled returns the most recently updated enabled connection for
// (userID, provider).
func (s *CredentialStore) FindEnabled(ctx context.Context, userID, provider string) (*models.OAuthConnection, error) {
	var conn models.OAuthConnection
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND is_enabled = ?", userID, provider, true).
		Order("updated_at DESC").
		First(&conn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &conn, nil
}

// Get loads a connection by id regardless of its state.
func (s *CredentialStore) Get(ctx context.Context, id string) (*models.OAuthConnection, error) {
	var conn models.OAuthConnection
	if err := s.db.WithContext(ctx).First(&conn, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &conn, nil
}

// Upsert inserts or updates the connection keyed by (UserID, Provider,
// ProviderUserID) and re-enables it. It returns the stored row id.
func (s *CredentialStore) Upsert(ctx context.Context, conn models.OAuthConnection) (string, error) {
	now := time.Now()
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	conn.IsEnabled = true
	conn.CreatedAt = now
	conn.UpdatedAt = now

	var id string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}, {Name: "provider_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"access_token_encrypted",
				"refresh_token_encrypted",
				"expires_at",
				"scopes",
				"metadata",
				"is_enabled",
				"updated_at",
			}),
		}).Create(&conn).Error
		if err != nil {
			return err
		}
		var stored models.OAuthConnection
		if err := tx.Select("id").
			Where("user_id = ? AND provider = ? AND provider_user_id = ?", conn.UserID, conn.Provider, conn.ProviderUserID).
			First(&stored).Error; err != nil {
			return err
		}
		id = stored.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateTokens replaces the token set of one connection in a single statement.
func (s *CredentialStore) UpdateTokens(ctx context.Context, id, accessEncrypted, refreshEncrypted string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.OAuthConnection{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_token_encrypted":  accessEncrypted,
			"refresh_token_encrypted": refreshEncrypted,
			"expires_at":              expiresAt,
			"updated_at":              time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// Disable marks a connection as needing re-authorization. The row is kept.
func (s *CredentialStore) Disable(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.OAuthConnection{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_enabled": false, "updated_at": time.Now()}).Error
}

// ListForUser returns every connection owned by userID, enabled or not.
func (s *CredentialStore) ListForUser(ctx context.Context, userID string) ([]models.OAuthConnection, error) {
	var conns []models.OAuthConnection
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&conns).Error
	return conns, err
}

// ListExpiring returns enabled connections whose tokens expire before t.
func (s *CredentialStore) ListExpiring(ctx context.Context, before time.Time) ([]models.OAuthConnection, error) {
	var conns []models.OAuthConnection
	err := s.db.WithContext(ctx).
		Where("is_enabled = ? AND expires_at < ?", true, before).
		Find(&conns).Error
	return conns, err
}

// Delete hard-deletes a connection owned by userID.
func (s *CredentialStore) Delete(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&models.OAuthConnection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return err
}
