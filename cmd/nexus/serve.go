package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pysugar/toolchat-nexus/internal/api"
	"github.com/pysugar/toolchat-nexus/internal/api/handlers"
	"github.com/pysugar/toolchat-nexus/internal/auth/provider"
	"github.com/pysugar/toolchat-nexus/internal/auth/token"
	"github.com/pysugar/toolchat-nexus/internal/chat"
	"github.com/pysugar/toolchat-nexus/internal/config"
	"github.com/pysugar/toolchat-nexus/internal/db"
	"github.com/pysugar/toolchat-nexus/internal/mcp"
	"github.com/pysugar/toolchat-nexus/internal/monitor"
	"github.com/pysugar/toolchat-nexus/internal/secret"
	"github.com/pysugar/toolchat-nexus/internal/upstream"
	"github.com/pysugar/toolchat-nexus/internal/version"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	if cfg.Security.EncryptionKey == "" {
		return errors.New("security.encryption_key (ENCRYPTION_KEY) is required; generate one with `nexus gen-key`")
	}
	cipher, err := secret.NewAESGCM(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	stateSecret := cfg.Security.StateSecret
	if stateSecret == "" {
		if stateSecret, err = db.EnsureStateSecret(database); err != nil {
			return fmt.Errorf("state secret: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nonces, err := newNonceStore(ctx, cfg)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry(provider.Builtin(), providerCredentials(cfg))
	tokens := token.NewManager(db.NewCredentialStore(database), cipher, registry)
	tokens.StartRefreshLoop(ctx, cfg.OAuth.Interval())

	servers := db.NewToolServerStore(database, cipher)
	listTimeout, callTimeout := cfg.Tools.Timeouts()
	gateway := mcp.NewClient(servers, tokens, cipher, mcp.WithTimeouts(listTimeout, callTimeout))

	toolMonitor := monitor.NewToolMonitor(database)
	toolMonitor.SetEnabled(cfg.Tools.Recording())
	transcripts := db.NewTranscriptStore(database)

	model := upstream.NewProvider(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.StaticHeaders, nil)
	if !model.IsEnabled() {
		log.Printf("⚠️ LLM is not configured (llm.api_key / llm.model); chat turns will fail")
	}
	orchestrator := chat.NewOrchestrator(model, gateway, transcripts, toolMonitor, chat.Options{
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxRounds:    cfg.LLM.MaxToolRounds,
		RoundTimeout: cfg.LLM.Timeout(),
	})

	router := api.NewRouter(api.Deps{
		Sessions: db.NewSessionStore(database),
		OAuth: handlers.OAuthDeps{
			Service:       tokens,
			States:        provider.NewStateSigner(stateSecret, nonces),
			FrontendURL:   cfg.Server.FrontendURL,
			RedirectURL:   func(p provider.ID) string { return cfg.OAuthRedirectURL(string(p)) },
			SecureCookies: strings.HasPrefix(cfg.Server.BackendURL, "https://"),
		},
		Servers:       servers,
		Gateway:       gateway,
		Conversations: transcripts,
		Runner:        orchestrator,
		Monitor:       toolMonitor,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ Shutdown: %v", err)
		}
		toolMonitor.Wait()
		stats := toolMonitor.GetStats()
		log.Printf("[monitor] 📊 Tool calls on record: %d (%d ok, %d failed)", stats.TotalCalls, stats.SuccessCount, stats.ErrorCount)
	}()

	log.Printf("🚀 toolchat-nexus %s starting on http://%s", version.Version, cfg.Addr())
	log.Printf("🤖 Model: %s", cfg.LLM.Model)
	log.Printf("🔐 OAuth callbacks: %s", cfg.OAuthRedirectURL("{provider}"))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Printf("👋 Server stopped")
	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	database, err := db.InitDB(db.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.Database.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return database, nil
}

// newNonceStore picks redis when configured and memory otherwise.
func newNonceStore(ctx context.Context, cfg *config.Config) (provider.NonceStore, error) {
	if cfg.Redis.Addr == "" {
		return provider.NewMemoryNonceStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	log.Printf("🗝️ OAuth state nonces stored in redis at %s", cfg.Redis.Addr)
	return provider.NewRedisNonceStore(client), nil
}

func providerCredentials(cfg *config.Config) map[provider.ID]provider.Credentials {
	creds := make(map[provider.ID]provider.Credentials, len(cfg.OAuth.Providers))
	for name, c := range cfg.OAuth.Providers {
		creds[provider.ID(name)] = provider.Credentials{ClientID: c.ClientID, ClientSecret: c.ClientSecret}
	}
	return creds
}
