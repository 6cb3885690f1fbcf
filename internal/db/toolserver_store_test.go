package db

import (
	"context"
	"errors"
	"testing"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
)

func TestToolServerStore_CreateEncryptsAPIKey(t *testing.T) {
	cipher := newTestCipher(t)
	store := NewToolServerStore(newTestDB(t), cipher)
	ctx := context.Background()

	server, err := store.Create(ctx, "user-1", NewToolServer{
		Name:     "search",
		URL:      "https://tools.example/rpc",
		AuthType: models.AuthTypeAPIKey,
		APIKey:   "k-123",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if server.APIKeyEncrypted == "" || server.APIKeyEncrypted == "k-123" {
		t.Fatalf("expected encrypted api key, got %q", server.APIKeyEncrypted)
	}
	plain, err := cipher.Decrypt(server.APIKeyEncrypted)
	if err != nil || plain != "k-123" {
		t.Fatalf("expected decryptable key, got %q err=%v", plain, err)
	}
}

func TestToolServerStore_Validation(t *testing.T) {
	store := NewToolServerStore(newTestDB(t), newTestCipher(t))
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewToolServer
	}{
		{name: "missing url", in: NewToolServer{Name: "x"}},
		{name: "bad auth type", in: NewToolServer{Name: "x", URL: "http://x", AuthType: "magic"}},
		{name: "oauth without provider", in: NewToolServer{Name: "x", URL: "http://x", AuthType: models.AuthTypeOAuth}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Create(ctx, "user-1", tt.in); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestToolServerStore_UniqueNamePerUser(t *testing.T) {
	store := NewToolServerStore(newTestDB(t), newTestCipher(t))
	ctx := context.Background()

	if _, err := store.Create(ctx, "user-1", NewToolServer{Name: "jira", URL: "http://a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, "user-1", NewToolServer{Name: "jira", URL: "http://b"}); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
	if _, err := store.Create(ctx, "user-2", NewToolServer{Name: "jira", URL: "http://b"}); err != nil {
		t.Fatalf("other user may reuse the name: %v", err)
	}
}

func TestToolServerStore_OwnerScoping(t *testing.T) {
	store := NewToolServerStore(newTestDB(t), newTestCipher(t))
	ctx := context.Background()

	server, _ := store.Create(ctx, "user-1", NewToolServer{Name: "jira", URL: "http://a"})

	if _, err := store.Get(ctx, "user-2", server.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound for foreign user, got %v", err)
	}
	if err := store.SetEnabled(ctx, "user-1", server.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, _ := store.Get(ctx, "user-1", server.ID)
	if got.IsEnabled {
		t.Fatal("expected server to be disabled")
	}
	if err := store.Delete(ctx, "user-2", server.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound deleting foreign server, got %v", err)
	}
	if err := store.Delete(ctx, "user-1", server.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
