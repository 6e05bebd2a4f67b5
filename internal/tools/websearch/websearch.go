// Package websearch implements the built-in "web_search" tool behind a
// narrow Client interface: the tool package owns the schema and result
// shaping, a separate client injected by the caller owns the actual HTTP
// call.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexuschat/orchestrator/internal/tools"
)

// SearchResult is one hit returned by a Client.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client performs the actual search. No concrete implementation ships in
// this module; callers that want real results wire in their own Client,
// e.g. against a hosted search API. NewUnavailable below is the
// zero-configuration default.
type Client interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// Tool is the "web_search" tool, backed by a Client.
type Tool struct {
	client Client
}

// New builds the tool around client.
func New(client Client) *Tool {
	return &Tool{client: client}
}

// NewUnavailable builds the tool with no configured client: every call
// returns a clearly-labeled error result rather than panicking, so the
// registry can list web_search even in deployments with no search backend.
func NewUnavailable() *Tool {
	return &Tool{client: nil}
}

func (t *Tool) Name() string { return "web_search" }

func (t *Tool) Description() string {
	return "Search the web for a query and return the top matching results."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return.",
				"minimum":     1,
				"maximum":     20,
			},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &tools.Result{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	if params.Query == "" {
		return &tools.Result{Content: "query is required", IsError: true}, nil
	}
	if params.Limit <= 0 {
		params.Limit = 5
	}

	if t.client == nil {
		return &tools.Result{Content: "web_search is not configured in this deployment", IsError: true}, nil
	}

	results, err := t.client.Search(ctx, params.Query, params.Limit)
	if err != nil {
		return &tools.Result{Content: err.Error(), IsError: true}, nil
	}

	payload, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return &tools.Result{Content: "failed to encode results", IsError: true}, nil
	}
	return &tools.Result{Content: string(payload)}, nil
}
