// Package contactsearch implements the built-in "contact_search" tool, a
// CRM-backed lookup. Like websearch, it is interface-first: internal/crm
// provides the concrete HTTP client that satisfies Client.
package contactsearch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexuschat/orchestrator/internal/tools"
)

// Contact is one CRM contact record relevant to a turn.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Client looks up contacts in the external CRM.
type Client interface {
	SearchContacts(ctx context.Context, query string, limit int) ([]Contact, error)
}

// Tool is the "contact_search" tool.
type Tool struct {
	client Client
}

// New builds the tool around client.
func New(client Client) *Tool {
	return &Tool{client: client}
}

func (t *Tool) Name() string { return "contact_search" }

func (t *Tool) Description() string {
	return "Search CRM contacts by name, email, or phone number."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Name, email, or phone fragment to search for.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of contacts to return.",
				"minimum":     1,
				"maximum":     50,
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
		params.Limit = 10
	}

	if t.client == nil {
		return &tools.Result{Content: "contact_search is not configured in this deployment", IsError: true}, nil
	}

	contacts, err := t.client.SearchContacts(ctx, params.Query, params.Limit)
	if err != nil {
		return &tools.Result{Content: err.Error(), IsError: true}, nil
	}

	payload, err := json.Marshal(map[string]any{"contacts": contacts})
	if err != nil {
		return &tools.Result{Content: "failed to encode results", IsError: true}, nil
	}
	return &tools.Result{Content: string(payload)}, nil
}
