package context

import (
	"context"
	"testing"

	orchconfig "github.com/nexuschat/orchestrator/internal/config"
	"github.com/nexuschat/orchestrator/internal/memory"
	"github.com/nexuschat/orchestrator/internal/memory/inprocess"
	"github.com/nexuschat/orchestrator/internal/store/sqlitestore"
)

func newTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	st, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAssembleOrdersSectionsAndKeepsCurrentUserMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateSession(ctx, "sess-1", "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.AppendMessage(ctx, "sess-1", "user", "hello number", nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	a := New(st, nil, orchconfig.ContextConfig{MaxMessages: 100, OverflowStrategy: "sliding-window"})
	bundle, err := a.Assemble(ctx, Request{
		SessionID:       "sess-1",
		UserID:          "user-1",
		CurrentUserText: "what's next",
		SystemPrompt:    "be helpful",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if bundle.SystemPrompt != "be helpful" {
		t.Errorf("SystemPrompt = %q", bundle.SystemPrompt)
	}
	if bundle.CurrentUser != "what's next" {
		t.Errorf("CurrentUser = %q", bundle.CurrentUser)
	}
	if len(bundle.RecentMessages) != 3 {
		t.Errorf("len(RecentMessages) = %d, want 3", len(bundle.RecentMessages))
	}
}

func TestAssembleSlidingWindowTrimsRecentMessagesFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "sess-1", "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := st.AppendMessage(ctx, "sess-1", "user", "msg", nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	a := New(st, nil, orchconfig.ContextConfig{MaxMessages: 5, OverflowStrategy: "sliding-window", SystemReserve: 1})
	bundle, err := a.Assemble(ctx, Request{SessionID: "sess-1", UserID: "user-1", CurrentUserText: "hi", SystemPrompt: "sys"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if bundle.CurrentUser != "hi" {
		t.Fatal("current user message must never be dropped")
	}
	total := len(bundle.RecentMessages) + len(bundle.MemorySnippets) + len(bundle.CrossSessionSnippets) + 1
	if bundle.SystemPrompt != "" {
		total++
	}
	if total > 5 {
		t.Errorf("total bundle size = %d, want <= 5", total)
	}
}

func TestAssembleSummarizeFallsBackAndMarksDegraded(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "sess-1", "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := st.AppendMessage(ctx, "sess-1", "user", "msg", nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	a := New(st, nil, orchconfig.ContextConfig{MaxMessages: 3, OverflowStrategy: "summarize"})
	bundle, err := a.Assemble(ctx, Request{SessionID: "sess-1", UserID: "user-1", CurrentUserText: "hi"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bundle.Degraded {
		t.Error("expected bundle.Degraded=true when summarize has no summarizer")
	}
}

func TestAssembleQueriesMemoryForSnippets(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateSession(ctx, "sess-1", "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	mem := inprocess.New()
	if err := mem.AddTurn(ctx, "sess-0", "user-1", []memory.Message{{Role: "user", Content: "my favorite color is blue"}}); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	budgeted := memory.NewBudgeted(mem, 0, 0, nil, nil)

	a := New(st, budgeted, orchconfig.ContextConfig{MaxMessages: 100, MemoryTopK: 3})
	bundle, err := a.Assemble(ctx, Request{SessionID: "sess-1", UserID: "user-1", CurrentUserText: "what is my favorite color"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(bundle.MemorySnippets) != 1 {
		t.Fatalf("len(MemorySnippets) = %d, want 1", len(bundle.MemorySnippets))
	}
}

// TestAssembleCrossSessionRequiresUserID verifies that a request with no
// UserID never pulls cross-session snippets, even from sessions belonging
// to other users.
func TestAssembleCrossSessionRequiresUserID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateSession(ctx, "sess-1", "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := st.CreateSession(ctx, "sess-2", "user-2", "other"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := st.AppendMessage(ctx, "sess-2", "user", "this belongs to someone else", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	a := New(st, nil, orchconfig.ContextConfig{MaxMessages: 100, CrossSessionEnabled: true})
	bundle, err := a.Assemble(ctx, Request{
		SessionID:       "sess-1",
		CurrentUserText: "hi",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(bundle.CrossSessionSnippets) != 0 {
		t.Errorf("CrossSessionSnippets = %v, want none for a request with no UserID", bundle.CrossSessionSnippets)
	}
}

func TestEstimateTokensMatchesFormula(t *testing.T) {
	got := EstimateTokens("12345678")
	want := (8+3)/4 + 4
	if got != want {
		t.Errorf("EstimateTokens = %d, want %d", got, want)
	}
}
