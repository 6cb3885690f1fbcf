package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"gorm.io/gorm"
)

// messageSeq breaks created_at ties between rows written in the same instant.
var messageSeq atomic.Int64

// TranscriptStore is the append-only conversation log.
type TranscriptStore struct {
	db *gorm.DB
}

func NewTranscriptStore(db *gorm.DB) *TranscriptStore {
	return &TranscriptStore{db: db}
}

// CreateConversation starts an empty conversation for userID.
func (s *TranscriptStore) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	conv := models.Conversation{
		ID:     uuid.New().String(),
		UserID: userID,
		Title:  title,
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// Conversation returns a conversation owned by userID.
func (s *TranscriptStore) Conversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversationID, userID).
		First(&conv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &conv, nil
}

// EnsureOwner reports apperr.ErrNotFound unless userID owns the conversation.
func (s *TranscriptStore) EnsureOwner(ctx context.Context, userID, conversationID string) error {
	_, err := s.Conversation(ctx, userID, conversationID)
	return err
}

// Messages returns the full log in creation order.
func (s *TranscriptStore) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, seq ASC").
		Find(&msgs).Error
	return msgs, err
}

// Append writes one role/content row. metadata may be nil.
func (s *TranscriptStore) Append(ctx context.Context, conversationID, role, content string, metadata map[string]any) error {
	msg := models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Seq:            time.Now().UnixNano() + messageSeq.Add(1),
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		msg.Metadata = string(raw)
	}
	return s.db.WithContext(ctx).Create(&msg).Error
}

// Touch bumps the conversation's last-activity timestamp.
func (s *TranscriptStore) Touch(ctx context.Context, conversationID string) error {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("updated_at", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ListConversations returns userID's conversations, most recently active first.
func (s *TranscriptStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&convs).Error
	return convs, err
}

// Rename changes the title of a conversation owned by userID.
func (s *TranscriptStore) Rename(ctx context.Context, userID, conversationID, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND user_id = ?", conversationID, userID).
		Updates(map[string]any{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.ErrNotFound
	}
	return s.Conversation(ctx, userID, conversationID)
}

// DeleteConversation removes a conversation owned by userID and all its messages.
func (s *TranscriptStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", conversationID, userID).Delete(&models.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFound
		}
		return tx.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error
	})
}

// DeleteMessage removes one message from a conversation.
func (s *TranscriptStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		Delete(&models.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ClearMessages empties a conversation's log and returns how many rows were removed.
func (s *TranscriptStore) ClearMessages(ctx context.Context, conversationID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&models.Message{})
	return res.RowsAffected, res.Error
}
