package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// writeSSE writes a sequence of raw SSE lines (already "event: .../data:
// ..." pairs with blank-line separators), flushing after each write so
// the client observes them incrementally.
func writeSSE(t *testing.T, w http.ResponseWriter, lines []string) {
	t.Helper()
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("response writer does not support flushing")
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
		flusher.Flush()
	}
}

func TestNewAnthropicProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("expected an error when APIKey is empty")
	}
}

func TestNewAnthropicProviderDefaults(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.defaultModel == "" {
		t.Error("expected a non-empty default model")
	}
	if p.maxRetries <= 0 {
		t.Error("expected a positive default maxRetries")
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}
}

// TestAnthropicCompleteStreamsText drives a full Complete() call against
// a mock Anthropic-shaped SSE server, verifying text deltas are assembled
// in order and the stream terminates with Done=true.
func TestAnthropicCompleteStreamsText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeSSE(t, w, []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":10,"output_tokens":0}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	chunks, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var text strings.Builder
	var gotDone bool
	var inputTokens, outputTokens int
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		text.WriteString(c.Text)
		if c.Done {
			gotDone = true
			inputTokens = c.InputTokens
			outputTokens = c.OutputTokens
		}
	}

	if !gotDone {
		t.Error("expected a terminal Done chunk")
	}
	if got, want := text.String(), "Hello world"; got != want {
		t.Errorf("assembled text = %q, want %q", got, want)
	}
	if inputTokens != 10 {
		t.Errorf("InputTokens = %d, want 10", inputTokens)
	}
	if outputTokens != 2 {
		t.Errorf("OutputTokens = %d, want 2", outputTokens)
	}
}

// TestAnthropicCompleteStreamsToolCall verifies a tool_use content block is
// assembled into a ToolCall chunk once its block closes.
func TestAnthropicCompleteStreamsToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeSSE(t, w, []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":5,"output_tokens":0}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool_1","name":"calculator","input":{}}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"expr"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"ession\":\"1+1\"}"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":1}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	chunks, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "compute 1+1"}},
		Tools:    []ToolDef{{Name: "calculator", Description: "evaluates arithmetic", Schema: []byte(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var call *ToolCall
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		if c.ToolCall != nil {
			call = c.ToolCall
		}
	}

	if call == nil {
		t.Fatal("expected a ToolCall chunk")
	}
	if call.Name != "calculator" || call.ID != "tool_1" {
		t.Errorf("ToolCall = %+v, want name=calculator id=tool_1", call)
	}
	if got, want := string(call.Input), `{"expression":"1+1"}`; got != want {
		t.Errorf("ToolCall.Input = %q, want %q", got, want)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout string", fmt.Errorf("request timeout"), true},
		{"connection reset", fmt.Errorf("read: connection reset by peer"), true},
		{"no such host", fmt.Errorf("dial tcp: no such host"), true},
		{"invalid api key", fmt.Errorf("invalid API key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
