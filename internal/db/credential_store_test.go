package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pysugar/toolchat-nexus/internal/apperr"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
)

func TestCredentialStore_UpsertKeepsOneRowPerKey(t *testing.T) {
	store := NewCredentialStore(newTestDB(t))
	ctx := context.Background()

	first, err := store.Upsert(ctx, models.OAuthConnection{
		UserID:               "user-1",
		Provider:             "atlassian",
		ProviderUserID:       "site-1",
		AccessTokenEncrypted: "enc-a",
		ExpiresAt:            time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	if err := store.Disable(ctx, first); err != nil {
		t.Fatalf("disable: %v", err)
	}

	second, err := store.Upsert(ctx, models.OAuthConnection{
		UserID:               "user-1",
		Provider:             "atlassian",
		ProviderUserID:       "site-1",
		AccessTokenEncrypted: "enc-b",
		ExpiresAt:            time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second != first {
		t.Fatalf("expected upsert to reuse id %s, got %s", first, second)
	}

	conn, err := store.Get(ctx, first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !conn.IsEnabled {
		t.Fatal("expected upsert to re-enable the connection")
	}
	if conn.AccessTokenEncrypted != "enc-b" {
		t.Fatalf("expected token to be replaced, got %q", conn.AccessTokenEncrypted)
	}

	conns, _ := store.ListForUser(ctx, "user-1")
	if len(conns) != 1 {
		t.Fatalf("expected 1 row, got %d", len(conns))
	}
}

func TestCredentialStore_DistinctSitesAreDistinctRows(t *testing.T) {
	store := NewCredentialStore(newTestDB(t))
	ctx := context.Background()

	for _, site := range []string{"site-1", "site-2"} {
		if _, err := store.Upsert(ctx, models.OAuthConnection{
			UserID: "user-1", Provider: "atlassian", ProviderUserID: site,
			AccessTokenEncrypted: "enc", ExpiresAt: time.Now().Add(time.Hour),
		}); err != nil {
			t.Fatalf("upsert %s: %v", site, err)
		}
	}
	conns, _ := store.ListForUser(ctx, "user-1")
	if len(conns) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(conns))
	}
}

func TestCredentialStore_FindEnabledSkipsDisabled(t *testing.T) {
	store := NewCredentialStore(newTestDB(t))
	ctx := context.Background()

	id, _ := store.Upsert(ctx, models.OAuthConnection{
		UserID: "user-1", Provider: "atlassian",
		AccessTokenEncrypted: "enc", ExpiresAt: time.Now().Add(time.Hour),
	})
	if _, err := store.FindEnabled(ctx, "user-1", "atlassian"); err != nil {
		t.Fatalf("expected enabled connection: %v", err)
	}

	_ = store.Disable(ctx, id)
	if _, err := store.FindEnabled(ctx, "user-1", "atlassian"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	conn, _ := store.Get(ctx, id)
	if conn == nil || conn.IsEnabled {
		t.Fatal("disabled connection must be kept, not deleted")
	}
}

func TestCredentialStore_UpdateTokensAndDelete(t *testing.T) {
	store := NewCredentialStore(newTestDB(t))
	ctx := context.Background()

	id, _ := store.Upsert(ctx, models.OAuthConnection{
		UserID: "user-1", Provider: "atlassian",
		AccessTokenEncrypted: "old", RefreshTokenEncrypted: "old-r",
		ExpiresAt: time.Now(),
	})

	newExpiry := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := store.UpdateTokens(ctx, id, "new", "new-r", newExpiry); err != nil {
		t.Fatalf("update tokens: %v", err)
	}
	conn, _ := store.Get(ctx, id)
	if conn.AccessTokenEncrypted != "new" || conn.RefreshTokenEncrypted != "new-r" {
		t.Fatalf("tokens not updated: %+v", conn)
	}
	if !conn.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("expected expiry %v, got %v", newExpiry, conn.ExpiresAt)
	}

	if err := store.UpdateTokens(ctx, "missing", "a", "b", newExpiry); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}

	if err := store.Delete(ctx, "someone-else", id); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected foreign delete to be NotFound, got %v", err)
	}
	if err := store.Delete(ctx, "user-1", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected deleted row to be gone, got %v", err)
	}
}

func TestCredentialStore_ListExpiring(t *testing.T) {
	store := NewCredentialStore(newTestDB(t))
	ctx := context.Background()

	_, _ = store.Upsert(ctx, models.OAuthConnection{
		UserID: "user-1", Provider: "atlassian", ProviderUserID: "soon",
		AccessTokenEncrypted: "enc", ExpiresAt: time.Now().Add(5 * time.Minute),
	})
	_, _ = store.Upsert(ctx, models.OAuthConnection{
		UserID: "user-1", Provider: "atlassian", ProviderUserID: "later",
		AccessTokenEncrypted: "enc", ExpiresAt: time.Now().Add(3 * time.Hour),
	})

	conns, err := store.ListExpiring(ctx, time.Now().Add(20*time.Minute))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(conns) != 1 || conns[0].ProviderUserID != "soon" {
		t.Fatalf("expected only the expiring connection, got %+v", conns)
	}
}
