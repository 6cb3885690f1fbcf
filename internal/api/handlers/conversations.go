package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolchat-nexus/internal/chat"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"github.com/pysugar/toolchat-nexus/internal/logging"
)

// Conversations is the transcript store surface used by the conversation routes.
type Conversations interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	Conversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	Rename(ctx context.Context, userID, conversationID, title string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error
	EnsureOwner(ctx context.Context, userID, conversationID string) error
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	ClearMessages(ctx context.Context, conversationID string) (int64, error)
}

// TurnRunner answers one user message.
type TurnRunner interface {
	Run(ctx context.Context, turn chat.Turn, emit chat.Emitter) chat.Result
}

type titleRequest struct {
	Title string `json:"title"`
}

// ListConversationsHandler returns the caller's conversations, newest activity first.
func ListConversationsHandler(convs Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		list, err := convs.ListConversations(r.Context(), caller.UserID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if list == nil {
			list = []models.Conversation{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// CreateConversationHandler starts a conversation. The body is optional.
func CreateConversationHandler(convs Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		var req titleRequest
		if r.ContentLength != 0 {
			if !decodeBody(w, r, &req) {
				return
			}
		}
		conv, err := convs.CreateConversation(r.Context(), caller.UserID, req.Title)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

// GetConversationHandler returns one conversation.
func GetConversationHandler(convs Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		conv, err := convs.Conversation(r.Context(), caller.UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// RenameConversationHandler updates a conversation title.
func RenameConversationHandler(convs Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		var req titleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeError(w, http.StatusBadRequest, "Title is required", "invalid_request_error")
			return
		}
		conv, err := convs.Rename(r.Context(), caller.UserID, chi.URLParam(r, "id"), req.Title)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// DeleteConversationHandler removes a conversation with its messages.
func DeleteConversationHandler(convs Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		if err := convs.DeleteConversation(r.Context(), caller.UserID, chi.URLParam(r, "id")); err != nil {
			writeStoreError(w, err)
			return
		}
		success(w)
	}
}

// MessagesHandler returns a conversation's transcript in order.
func MessagesHandler(convs Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if err := convs.EnsureOwner(r.Context(), caller.UserID, id); err != nil {
			writeStoreError(w, err)
			return
		}
		msgs, err := convs.Messages(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

// DeleteMessageHandler removes one message.
func DeleteMessageHandler(convs Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if err := convs.EnsureOwner(r.Context(), caller.UserID, id); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := convs.DeleteMessage(r.Context(), id, chi.URLParam(r, "messageId")); err != nil {
			writeStoreError(w, err)
			return
		}
		success(w)
	}
}

// ClearMessagesHandler empties a conversation.
func ClearMessagesHandler(convs Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if err := convs.EnsureOwner(r.Context(), caller.UserID, id); err != nil {
			writeStoreError(w, err)
			return
		}
		if _, err := convs.ClearMessages(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		success(w)
	}
}

// ChatHandler answers a user message and streams the turn as SSE events:
// token, tool_call, then exactly one of complete, error or auth_required.
func ChatHandler(convs Conversations, runner TurnRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOrReject(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		var req struct {
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "Content is required", "invalid_request_error")
			return
		}
		if err := convs.EnsureOwner(r.Context(), caller.UserID, id); err != nil {
			writeStoreError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "Streaming not supported", "server_error")
			return
		}
		SetSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		reqID := logging.GetRequestID(r.Context())
		emit := chat.EmitterFunc(func(e chat.Event) {
			data, err := json.Marshal(e.Payload())
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		})

		result := runner.Run(r.Context(), chat.Turn{Caller: caller, ConversationID: id, Content: req.Content}, emit)
		log.Printf("[chat] 📡 [%s] Stream closed for conversation %s: %s", reqID, id, result.Status)
	}
}
