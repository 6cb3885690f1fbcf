package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const stateSecretKey = "oauth_state_secret"

// Options selects the database backend.
type Options struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string
	Debug  bool
}

// InitDB opens the configured database and runs migrations.
func InitDB(opts Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite":
		dsn := opts.DSN
		if dsn == "" {
			dsn = "toolchat.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	level := logger.Warn
	if opts.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.OAuthConnection{},
		&models.ToolServer{},
		&models.Conversation{},
		&models.Message{},
		&models.Session{},
		&models.ToolInvocation{},
		&models.Config{},
	)
}

// EnsureStateSecret returns the OAuth state signing secret, generating and
// persisting one on first run.
func EnsureStateSecret(db *gorm.DB) (string, error) {
	var config models.Config
	err := db.Where("key = ?", stateSecretKey).First(&config).Error
	if err == nil && config.Value != "" {
		return config.Value, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)
	if err := db.Save(&models.Config{Key: stateSecretKey, Value: secret}).Error; err != nil {
		return "", err
	}
	log.Printf("🔑 Generated new OAuth state secret")
	return secret, nil
}
