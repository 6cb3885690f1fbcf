package db

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"gorm.io/gorm"
)

// SessionStore resolves bearer session tokens to user ids.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Issue creates a new session token for userID. Only its hash is stored.
func (s *SessionStore) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := "st-" + hex.EncodeToString(buf)

	session := models.Session{TokenHash: hashToken(token), UserID: userID}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		session.ExpiresAt = &exp
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return "", err
	}
	return token, nil
}

// Verify returns the user id the token belongs to.
func (s *SessionStore) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperr.ErrNotFound
	}
	var session models.Session
	if err := s.db.WithContext(ctx).First(&session, "token_hash = ?", hashToken(token)).Error; err != nil {
		return "", notFound(err)
	}
	if session.ExpiresAt != nil && time.Now().After(*session.ExpiresAt) {
		return "", apperr.ErrNotFound
	}
	return session.UserID, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
