package inprocess

import (
	"context"
	"testing"

	"github.com/nexuschat/orchestrator/internal/memory"
)

func TestQueryRelevantRanksByTextSimilarity(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.AddTurn(ctx, "sess-1", "user-1", []memory.Message{
		{Role: "user", Content: "what is the refund policy for damaged goods"},
	}); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if err := s.AddTurn(ctx, "sess-1", "user-1", []memory.Message{
		{Role: "assistant", Content: "the weather forecast for tomorrow is sunny"},
	}); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	results, err := s.QueryRelevant(ctx, "sess-2", "user-1", "refund policy damaged item", 1)
	if err != nil {
		t.Fatalf("QueryRelevant: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Text != "what is the refund policy for damaged goods" {
		t.Errorf("top result = %q, want the refund snippet", results[0].Text)
	}
}

func TestQueryRelevantScopesByUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.AddTurn(ctx, "sess-1", "user-1", []memory.Message{{Role: "user", Content: "my account number is 12345"}}); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	results, err := s.QueryRelevant(ctx, "sess-1", "user-2", "account number", 5)
	if err != nil {
		t.Fatalf("QueryRelevant: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no cross-user results, got %+v", results)
	}
}

func TestDeleteSessionRemovesOnlyThatSession(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.AddTurn(ctx, "sess-1", "user-1", []memory.Message{{Role: "user", Content: "alpha content here"}})
	_ = s.AddTurn(ctx, "sess-2", "user-1", []memory.Message{{Role: "user", Content: "beta content here"}})

	if err := s.DeleteSession(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	results, err := s.QueryRelevant(ctx, "sess-2", "user-1", "alpha content", 5)
	if err != nil {
		t.Fatalf("QueryRelevant: %v", err)
	}
	for _, r := range results {
		if r.SessionID == "sess-1" {
			t.Errorf("found entry from deleted session: %+v", r)
		}
	}

	results2, err := s.QueryRelevant(ctx, "sess-2", "user-1", "beta content", 5)
	if err != nil {
		t.Fatalf("QueryRelevant: %v", err)
	}
	if len(results2) != 1 || results2[0].SessionID != "sess-2" {
		t.Errorf("expected surviving sess-2 entry, got %+v", results2)
	}
}
