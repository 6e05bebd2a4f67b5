package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeGateway struct {
	queryDelay time.Duration
	queryErr   error
	snippets   []Snippet

	addErr    error
	addCalled bool

	deleteErr    error
	deleteCalled bool
}

func (f *fakeGateway) AddTurn(ctx context.Context, sessionID, userID string, messages []Message) error {
	f.addCalled = true
	return f.addErr
}

func (f *fakeGateway) QueryRelevant(ctx context.Context, sessionID, userID, queryText string, k int) ([]Snippet, error) {
	if f.queryDelay > 0 {
		select {
		case <-time.After(f.queryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.snippets, nil
}

func (f *fakeGateway) DeleteSession(ctx context.Context, sessionID, userID string) error {
	f.deleteCalled = true
	return f.deleteErr
}

func TestBudgetedQueryRelevantReturnsSnippetsOnSuccess(t *testing.T) {
	gw := &fakeGateway{snippets: []Snippet{{Text: "hi"}}}
	b := NewBudgeted(gw, 0, 0, nil, nil)

	res := b.QueryRelevant(context.Background(), "sess", "user", "q", 5)
	if res.Degraded {
		t.Fatalf("expected non-degraded result, got reason %q", res.Reason)
	}
	if len(res.Snippets) != 1 || res.Snippets[0].Text != "hi" {
		t.Errorf("unexpected snippets: %+v", res.Snippets)
	}
}

func TestBudgetedQueryRelevantDegradesOnTimeout(t *testing.T) {
	gw := &fakeGateway{queryDelay: 50 * time.Millisecond}
	b := NewBudgeted(gw, 5*time.Millisecond, 0, nil, nil)

	res := b.QueryRelevant(context.Background(), "sess", "user", "q", 5)
	if !res.Degraded || res.Reason != "timeout" {
		t.Errorf("res = %+v, want degraded timeout", res)
	}
	if res.Snippets != nil {
		t.Errorf("expected nil snippets on degrade, got %+v", res.Snippets)
	}
}

func TestBudgetedQueryRelevantDegradesOnError(t *testing.T) {
	gw := &fakeGateway{queryErr: errors.New("backend down")}
	b := NewBudgeted(gw, 0, 0, nil, nil)

	res := b.QueryRelevant(context.Background(), "sess", "user", "q", 5)
	if !res.Degraded || res.Reason != "error" {
		t.Errorf("res = %+v, want degraded error", res)
	}
}

func TestBudgetedAddTurnNeverPanicsOnFailure(t *testing.T) {
	gw := &fakeGateway{addErr: errors.New("write failed")}
	b := NewBudgeted(gw, 0, 0, nil, nil)

	b.AddTurn(context.Background(), "sess", "user", []Message{{Role: "user", Content: "hi"}})
	if !gw.addCalled {
		t.Error("expected underlying AddTurn to be called")
	}
}

func TestBudgetedDeleteSessionIsBestEffort(t *testing.T) {
	gw := &fakeGateway{deleteErr: errors.New("boom")}
	b := NewBudgeted(gw, 0, 0, nil, nil)

	b.DeleteSession(context.Background(), "sess", "user")
	if !gw.deleteCalled {
		t.Error("expected underlying DeleteSession to be called")
	}
}

func TestBudgetedNilGatewayIsSafe(t *testing.T) {
	b := NewBudgeted(nil, 0, 0, nil, nil)
	res := b.QueryRelevant(context.Background(), "s", "u", "q", 3)
	if res.Degraded || len(res.Snippets) != 0 {
		t.Errorf("res = %+v, want empty non-degraded result for nil gateway", res)
	}
	b.AddTurn(context.Background(), "s", "u", []Message{{Role: "user", Content: "hi"}})
	b.DeleteSession(context.Background(), "s", "u")
}
