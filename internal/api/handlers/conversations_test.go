package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/toolchat-nexus/internal/chat"
	"github.com/pysugar/toolchat-nexus/internal/db"
)

type fakeRunner struct {
	turns  []chat.Turn
	events []chat.Event
}

func (f *fakeRunner) Run(_ context.Context, turn chat.Turn, emit chat.Emitter) chat.Result {
	f.turns = append(f.turns, turn)
	for _, e := range f.events {
		emit.Emit(e)
	}
	return chat.Result{Status: chat.StatusComplete}
}

func conversationRouter(userID string, convs Conversations, runner TurnRunner) http.Handler {
	return userRouter(userID, func(r chi.Router) {
		r.Get("/api/conversations", ListConversationsHandler(convs))
		r.Post("/api/conversations", CreateConversationHandler(convs))
		r.Get("/api/conversations/{id}", GetConversationHandler(convs))
		r.Patch("/api/conversations/{id}", RenameConversationHandler(convs))
		r.Delete("/api/conversations/{id}", DeleteConversationHandler(convs))
		r.Get("/api/conversations/{id}/messages", MessagesHandler(convs))
		r.Delete("/api/conversations/{id}/messages", ClearMessagesHandler(convs))
		r.Post("/api/conversations/{id}/chat", ChatHandler(convs, runner))
	})
}

type sseEvent struct {
	name string
	data map[string]string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Fatalf("bad data line %q: %v", line, err)
				}
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestChatHandler_StreamsEvents(t *testing.T) {
	store := db.NewTranscriptStore(newTestDB(t))
	conv, _ := store.CreateConversation(context.Background(), "user-1", "")
	runner := &fakeRunner{events: []chat.Event{
		{Type: chat.EventToken, Token: "Hel"},
		{Type: chat.EventToolCall, ToolName: "forecast", ServerID: "srv1"},
		{Type: chat.EventToken, Token: "lo"},
		{Type: chat.EventComplete, Content: "Hello"},
	}}

	req := httptest.NewRequest("POST", "/api/conversations/"+conv.ID+"/chat", strings.NewReader(`{"content":"hi"}`))
	w := httptest.NewRecorder()
	conversationRouter("user-1", store, runner).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseSSE(t, w.Body.String())
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %s", len(events), w.Body.String())
	}
	if events[0].name != "token" || events[0].data["token"] != "Hel" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].name != "tool_call" || events[1].data["toolName"] != "forecast" || events[1].data["serverId"] != "srv1" {
		t.Errorf("unexpected tool_call event %+v", events[1])
	}
	if events[3].name != "complete" || events[3].data["content"] != "Hello" {
		t.Errorf("unexpected terminal event %+v", events[3])
	}

	if len(runner.turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(runner.turns))
	}
	turn := runner.turns[0]
	if turn.Content != "hi" || turn.ConversationID != conv.ID || turn.Caller.BearerToken != "st-user-1" {
		t.Errorf("unexpected turn %+v", turn)
	}
}

func TestChatHandler_Rejections(t *testing.T) {
	store := db.NewTranscriptStore(newTestDB(t))
	conv, _ := store.CreateConversation(context.Background(), "owner", "")

	tests := []struct {
		name       string
		user       string
		body       string
		wantStatus int
	}{
		{"not owner", "intruder", `{"content":"hi"}`, http.StatusNotFound},
		{"empty content", "owner", `{"content":"  "}`, http.StatusBadRequest},
		{"bad json", "owner", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			req := httptest.NewRequest("POST", "/api/conversations/"+conv.ID+"/chat", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			conversationRouter(tt.user, store, runner).ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if len(runner.turns) != 0 {
				t.Fatal("runner must not be invoked")
			}
		})
	}
}

func TestConversationHandlers_CRUD(t *testing.T) {
	store := db.NewTranscriptStore(newTestDB(t))
	router := conversationRouter("user-1", store, &fakeRunner{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/conversations", strings.NewReader(`{"title":"Trip"}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d", w.Code)
	}
	var created struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	json.NewDecoder(w.Body).Decode(&created)
	if created.Title != "Trip" {
		t.Fatalf("unexpected title %q", created.Title)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("PATCH", "/api/conversations/"+created.ID, strings.NewReader(`{"title":"Road trip"}`)))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Road trip") {
		t.Fatalf("rename: %d %s", w.Code, w.Body.String())
	}

	_ = store.Append(context.Background(), created.ID, "user", "hello", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/conversations/"+created.ID+"/messages", nil))
	var msgs []map[string]any
	json.NewDecoder(w.Body).Decode(&msgs)
	if len(msgs) != 1 || msgs[0]["content"] != "hello" {
		t.Fatalf("unexpected messages %v", msgs)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/conversations/"+created.ID+"/messages", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("clear: %d", w.Code)
	}

	other := conversationRouter("user-2", store, &fakeRunner{})
	w = httptest.NewRecorder()
	other.ServeHTTP(w, httptest.NewRequest("GET", "/api/conversations/"+created.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other user, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/conversations/"+created.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/conversations", nil))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}
}
