package handlers

import (
	"net/http"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pysugar/toolchat-nexus/internal/api/middleware"
	"github.com/pysugar/toolchat-nexus/internal/db"
	"github.com/pysugar/toolchat-nexus/internal/mcp"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(database); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return database
}

// asUser authenticates every request as userID without a session store.
func asUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithCaller(r.Context(), mcp.Caller{UserID: userID, BearerToken: "st-" + userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userRouter(userID string, mount func(r chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(asUser(userID))
	mount(r)
	return r
}
