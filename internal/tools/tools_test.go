package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexuschat/orchestrator/internal/tools"
	"github.com/nexuschat/orchestrator/internal/tools/calculator"

	"github.com/nexuschat/orchestrator/internal/store/sqlitestore"
)

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	st, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.CreateSession(context.Background(), "sess-1", "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	r := tools.New(st, nil, nil, nil, tools.Config{})
	if err := r.Register(calculator.New()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestExecuteRunsToolAndLogsExecution(t *testing.T) {
	r := newTestRegistry(t)
	input, _ := json.Marshal(map[string]string{"expression": "2 + 2"})

	res, err := r.Execute(context.Background(), "sess-1", nil, "calculator", input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.Content != "4" {
		t.Errorf("Content = %q, want %q", res.Content, "4")
	}
}

func TestExecuteRejectsSchemaViolation(t *testing.T) {
	r := newTestRegistry(t)
	input, _ := json.Marshal(map[string]any{"expression": 5})

	_, err := r.Execute(context.Background(), "sess-1", nil, "calculator", input)
	if err == nil {
		t.Fatal("expected schema validation error for non-string expression")
	}
}

func TestExecuteUnknownToolReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Execute(context.Background(), "sess-1", nil, "does-not-exist", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
