// Package llm is the narrow chat-completion-plus-streaming contract the
// agent state machine (internal/agent) drives. It carries text-only
// messages: no vision attachments, no extended-thinking mode, no
// computer-use surface.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexuschat/orchestrator/internal/backoff"
)

// Message is one turn of conversation handed to a Provider.
type Message struct {
	Role        string       `json:"role"` // "user" | "assistant" | "tool"
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDef describes a tool a Provider may call, shaped for the provider's
// function-calling surface (name/description/JSON-schema parameters), the
// same fields every provider adapter converts to its own wire format.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is a complete tool invocation request from the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a ToolCall fed back to the model as a
// follow-up message.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionRequest is a single turn's worth of input to a Provider.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Chunk is one increment of a streaming completion. Exactly one of Text,
// ToolCall, or Error/Done carries the meaningful payload for a given chunk.
type Chunk struct {
	Text         string
	ToolCall     *ToolCall
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// RetryPolicy builds the backoff.BackoffPolicy every provider adapter in
// this package (and its bedrockprovider/openaiprovider siblings) retries
// its stream-open call with: doubling factor, 10% jitter, capped at 64x the
// provider's configured base delay. Centralized here so all three adapters
// share one policy shape instead of each hand-rolling its own exponential
// schedule.
func RetryPolicy(baseDelay time.Duration) backoff.BackoffPolicy {
	initialMs := float64(baseDelay.Milliseconds())
	if initialMs <= 0 {
		initialMs = 1000
	}
	return backoff.BackoffPolicy{
		InitialMs: initialMs,
		MaxMs:     initialMs * 64,
		Factor:    2,
		Jitter:    0.1,
	}
}

// Provider is the boundary to the embedded LLM provider. Concrete
// adapters (this package's Anthropic client, bedrockprovider,
// openaiprovider) each satisfy it.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}

// Complete drains a Provider's streaming channel into one string, for
// callers (the Router's LLM classifier path) that only need a single
// non-streaming reply. It stops at the first Err.
func Complete(ctx context.Context, p Provider, system, userPrompt string) (string, error) {
	ch, err := p.Complete(ctx, CompletionRequest{
		System:   system,
		Messages: []Message{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return "", err
	}
	var out []byte
	for chunk := range ch {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		out = append(out, chunk.Text...)
		if chunk.Done {
			break
		}
	}
	return string(out), nil
}

// CompleterAdapter satisfies internal/router/llmclassifier.Completer by
// wrapping any Provider, so the router's LLM classifier path can use
// whichever provider the deployment configured as its default.
type CompleterAdapter struct {
	Provider Provider
}

// Complete implements llmclassifier.Completer.
func (a CompleterAdapter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return Complete(ctx, a.Provider, systemPrompt, userPrompt)
}
