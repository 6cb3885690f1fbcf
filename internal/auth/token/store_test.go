package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
)

// memStore is an in-memory Store for manager tests.
type memStore struct {
	mu    sync.Mutex
	conns map[string]models.OAuthConnection
}

func newMemStore() *memStore {
	return &memStore{conns: make(map[string]models.OAuthConnection)}
}

func (s *memStore) FindEnabled(_ context.Context, userID, provider string) (*models.OAuthConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.OAuthConnection
	for _, c := range s.conns {
		if c.UserID == userID && c.Provider == provider && c.IsEnabled {
			if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
				cc := c
				best = &cc
			}
		}
	}
	if best == nil {
		return nil, apperr.ErrNotFound
	}
	return best, nil
}

func (s *memStore) Get(_ context.Context, id string) (*models.OAuthConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &c, nil
}

func (s *memStore) Upsert(_ context.Context, conn models.OAuthConnection) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, c := range s.conns {
		if c.UserID == conn.UserID && c.Provider == conn.Provider && c.ProviderUserID == conn.ProviderUserID {
			conn.ID = id
			conn.CreatedAt = c.CreatedAt
			conn.UpdatedAt = now
			conn.IsEnabled = true
			s.conns[id] = conn
			return id, nil
		}
	}
	conn.ID = uuid.New().String()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	conn.IsEnabled = true
	s.conns[conn.ID] = conn
	return conn.ID, nil
}

func (s *memStore) UpdateTokens(_ context.Context, id, accessEncrypted, refreshEncrypted string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return apperr.ErrNotFound
	}
	c.AccessTokenEncrypted = accessEncrypted
	c.RefreshTokenEncrypted = refreshEncrypted
	c.ExpiresAt = expiresAt
	c.UpdatedAt = time.Now()
	s.conns[id] = c
	return nil
}

func (s *memStore) Disable(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		c.IsEnabled = false
		s.conns[id] = c
	}
	return nil
}

func (s *memStore) ListForUser(_ context.Context, userID string) ([]models.OAuthConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OAuthConnection
	for _, c := range s.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) ListExpiring(_ context.Context, before time.Time) ([]models.OAuthConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OAuthConnection
	for _, c := range s.conns {
		if c.IsEnabled && c.ExpiresAt.Before(before) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || c.UserID != userID {
		return apperr.ErrNotFound
	}
	delete(s.conns, id)
	return nil
}

func (s *memStore) setExpiry(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conns[id]
	c.ExpiresAt = at
	s.conns[id] = c
}
