// Package api assembles the HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/toolchat-nexus/internal/api/handlers"
	"github.com/pysugar/toolchat-nexus/internal/api/middleware"
	"github.com/pysugar/toolchat-nexus/internal/monitor"
)

// Deps are the collaborators behind the routes.
type Deps struct {
	Sessions      middleware.SessionVerifier
	OAuth         handlers.OAuthDeps
	Servers       handlers.ServerRegistry
	Gateway       handlers.ToolGateway
	Conversations handlers.Conversations
	Runner        handlers.TurnRunner
	Monitor       *monitor.ToolMonitor
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/api/version", handlers.VersionHandler())

	// The provider redirects the browser here; the user is identified by the state.
	r.Get("/oauth/{provider}/callback", handlers.CallbackHandler(d.OAuth))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.UserAuth(d.Sessions))

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/connections", handlers.ListConnectionsHandler(d.OAuth))
			r.Delete("/connections/{id}", handlers.DeleteConnectionHandler(d.OAuth))
			r.Post("/connections/{id}/disconnect", handlers.DisconnectHandler(d.OAuth))
			r.Get("/{provider}/authorize", handlers.AuthorizeHandler(d.OAuth))
			r.Get("/{provider}/status", handlers.StatusHandler(d.OAuth))
		})

		r.Route("/mcp", func(r chi.Router) {
			r.Get("/servers", handlers.ListServersHandler(d.Servers))
			r.Post("/servers", handlers.CreateServerHandler(d.Servers))
			r.Get("/servers/{id}", handlers.GetServerHandler(d.Servers))
			r.Patch("/servers/{id}", handlers.ToggleServerHandler(d.Servers))
			r.Delete("/servers/{id}", handlers.DeleteServerHandler(d.Servers))
			r.Get("/servers/{id}/tools", handlers.ServerToolsHandler(d.Gateway))
			r.Post("/servers/{id}/tools/{toolName}", handlers.CallToolHandler(d.Gateway))
			r.Get("/tools", handlers.AllToolsHandler(d.Gateway))
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", handlers.ListConversationsHandler(d.Conversations))
			r.Post("/", handlers.CreateConversationHandler(d.Conversations))
			r.Get("/{id}", handlers.GetConversationHandler(d.Conversations))
			r.Patch("/{id}", handlers.RenameConversationHandler(d.Conversations))
			r.Delete("/{id}", handlers.DeleteConversationHandler(d.Conversations))
			r.Get("/{id}/messages", handlers.MessagesHandler(d.Conversations))
			r.Post("/{id}/messages", handlers.ChatHandler(d.Conversations, d.Runner))
			r.Post("/{id}/chat", handlers.ChatHandler(d.Conversations, d.Runner))
			r.Delete("/{id}/messages", handlers.ClearMessagesHandler(d.Conversations))
			r.Delete("/{id}/messages/{messageId}", handlers.DeleteMessageHandler(d.Conversations))
		})

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/tool-calls", handlers.ToolCallsHandler(d.Monitor))
			r.Delete("/tool-calls", handlers.ClearToolCallsHandler(d.Monitor))
			r.Get("/stats", handlers.ToolStatsHandler(d.Monitor))
		})
	})

	return r
}
