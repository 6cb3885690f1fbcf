package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records anti-CSRF nonces so each OAuth state is usable once.
type NonceStore interface {
	Save(ctx context.Context, nonce string, ttl time.Duration) error
	// Consume deletes the nonce and reports whether it was present.
	Consume(ctx context.Context, nonce string) (bool, error)
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryNonceStore) Save(_ context.Context, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, k)
		}
	}
	s.entries[nonce] = now.Add(ttl)
	return nil
}

func (s *MemoryNonceStore) Consume(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[nonce]
	if !ok {
		return false, nil
	}
	delete(s.entries, nonce)
	return !s.now().After(exp), nil
}

// RedisNonceStore shares nonces across instances through Redis.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "oauth:nonce:"}
}

func (s *RedisNonceStore) Save(ctx context.Context, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+nonce, "1", ttl).Err()
}

func (s *RedisNonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	_, err := s.client.GetDel(ctx, s.prefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
