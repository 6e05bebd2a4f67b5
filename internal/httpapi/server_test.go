package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexuschat/orchestrator/internal/agent"
	orchconfig "github.com/nexuschat/orchestrator/internal/config"
	nexuscontext "github.com/nexuschat/orchestrator/internal/context"
	"github.com/nexuschat/orchestrator/internal/llm"
	"github.com/nexuschat/orchestrator/internal/pipeline"
	"github.com/nexuschat/orchestrator/internal/registry"
	"github.com/nexuschat/orchestrator/internal/router"
	"github.com/nexuschat/orchestrator/internal/store"
	"github.com/nexuschat/orchestrator/internal/store/sqlitestore"
	"github.com/nexuschat/orchestrator/internal/tools"
)

type fakeProvider struct{ reply string }

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: f.reply}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, nil, nil, time.Hour)
	toolReg := tools.New(st, nil, nil, nil, tools.Config{})
	asm := nexuscontext.New(st, nil, orchconfig.ContextConfig{MaxMessages: 50, OverflowStrategy: "sliding-window"})
	rtr := router.New(router.Config{
		SlashCommands: map[string]string{"analytical": "analytical"},
		FallbackAgent: "analytical",
	})
	a := agent.New(agent.Spec{Key: "analytical", SystemPrompt: "be helpful", Provider: &fakeProvider{reply: "hi there"}})
	pl := pipeline.New(st, reg, rtr, asm, toolReg, nil, map[string]pipeline.Agent{"analytical": a}, nil, nil, nil, nil, nil, nil, pipeline.Config{})

	s := New(Config{Pipeline: pl, Store: st, Registry: reg, Router: rtr})
	return s, st
}

func TestHandleCreateAndGetSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	body, _ := json.Marshal(createSessionRequest{Title: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/chats", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var created createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("expected a session id")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	var listed listSessionsResponse
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if listed.Total != 1 {
		t.Fatalf("expected 1 session, got %d", listed.Total)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/chats/"+created.SessionID, nil)
	delRec := httptest.NewRecorder()
	mux.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", delRec.Code)
	}

	listRec2 := httptest.NewRecorder()
	mux.ServeHTTP(listRec2, httptest.NewRequest(http.MethodGet, "/api/chats", nil))
	var listed2 listSessionsResponse
	json.Unmarshal(listRec2.Body.Bytes(), &listed2)
	if listed2.Total != 0 {
		t.Fatalf("expected soft-deleted session excluded by default, got %d", listed2.Total)
	}

	deletedReq := httptest.NewRequest(http.MethodGet, "/api/chats?status=deleted", nil)
	deletedRec := httptest.NewRecorder()
	mux.ServeHTTP(deletedRec, deletedReq)
	var listed3 listSessionsResponse
	json.Unmarshal(deletedRec.Body.Bytes(), &listed3)
	if listed3.Total != 1 {
		t.Fatalf("expected status=deleted to surface the soft-deleted session, got %d", listed3.Total)
	}
}

func TestHandleChatNonStreaming(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	body, _ := json.Marshal(chatRequest{SessionID: "sess-1", Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Message != "hi there" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHandleChatStreamEmitsSSE(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	body, _ := json.Marshal(chatRequest{SessionID: "sess-2", Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	if !bytes.Contains([]byte(out), []byte("event: start")) {
		t.Errorf("expected a start event, got %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("event: end")) {
		t.Errorf("expected an end event, got %q", out)
	}
}

func TestCSRFRequiredOnWrites(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.CSRFSecret = "s3cr3t"
	mux := s.Mux()

	body, _ := json.Marshal(createSessionRequest{Title: "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/chats", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/chats", bytes.NewReader(body))
	req2.Header.Set("X-CSRF-Token", "s3cr3t")
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected 201 with valid csrf token, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestSlashCommandsListed(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slash-commands", nil))
	var resp slashCommandsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Commands["analytical"] != "analytical" {
		t.Errorf("expected analytical slash command, got %+v", resp.Commands)
	}
}

func TestMemoryQueryRequiresUserID(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	body, _ := json.Marshal(crossSessionQueryRequest{SessionID: "s1", Query: "q"})
	req := httptest.NewRequest(http.MethodPost, "/api/memory/cross-session", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without X-User-Id, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/memory/cross-session", bytes.NewReader(body))
	req2.Header.Set("X-User-Id", "user-1")
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with X-User-Id, got %d", rec2.Code)
	}
	var resp crossSessionQueryResponse
	json.Unmarshal(rec2.Body.Bytes(), &resp)
	if !resp.Degraded {
		t.Errorf("expected degraded result with no memory gateway configured")
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestAppendMessageAndPagination(t *testing.T) {
	s, st := newTestServer(t)
	mux := s.Mux()

	if _, err := st.CreateSession(context.Background(), "s-append", "u1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	body, _ := json.Marshal(appendMessageRequest{Type: "user", Content: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/chats/s-append/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}

	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/chats/s-append/messages", nil))
	var resp messagesResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 1 || resp.Messages[0].Content != "hi" {
		t.Fatalf("unexpected messages response: %+v", resp)
	}
}
