package contactsearch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeClient struct {
	contacts []Contact
	err      error
	gotLim   int
}

func (f *fakeClient) SearchContacts(ctx context.Context, query string, limit int) ([]Contact, error) {
	f.gotLim = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.contacts, nil
}

func TestToolName(t *testing.T) {
	tool := New(&fakeClient{})
	if tool.Name() != "contact_search" {
		t.Errorf("Name() = %q, want contact_search", tool.Name())
	}
}

func TestExecuteNoClientConfigured(t *testing.T) {
	tool := New(nil)
	input, _ := json.Marshal(map[string]string{"query": "Peter Kelly"})
	res, err := tool.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected an error result when no CRM client is configured")
	}
}

func TestExecuteMissingQuery(t *testing.T) {
	tool := New(&fakeClient{})
	input, _ := json.Marshal(map[string]string{})
	res, err := tool.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected an error result for a missing query")
	}
}

func TestExecuteSuccess(t *testing.T) {
	client := &fakeClient{contacts: []Contact{{ID: "1", Name: "Peter Kelly", Email: "peter@example.com"}}}
	tool := New(client)
	input, _ := json.Marshal(map[string]any{"query": "Peter Kelly", "limit": 5})
	res, err := tool.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if client.gotLim != 5 {
		t.Errorf("client saw limit %d, want 5", client.gotLim)
	}
	var payload struct {
		Contacts []Contact `json:"contacts"`
	}
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatalf("result content is not valid JSON: %v", err)
	}
	if len(payload.Contacts) != 1 || payload.Contacts[0].Name != "Peter Kelly" {
		t.Errorf("unexpected contacts payload: %+v", payload.Contacts)
	}
}

func TestExecuteDefaultsLimit(t *testing.T) {
	client := &fakeClient{}
	tool := New(client)
	input, _ := json.Marshal(map[string]any{"query": "anyone"})
	if _, err := tool.Execute(context.Background(), input); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.gotLim != 10 {
		t.Errorf("client saw limit %d, want default 10", client.gotLim)
	}
}

func TestExecuteClientError(t *testing.T) {
	tool := New(&fakeClient{err: errors.New("crm unavailable")})
	input, _ := json.Marshal(map[string]any{"query": "anyone"})
	res, err := tool.Execute(context.Background(), input)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("expected an error result when the CRM client fails")
	}
}

func TestSchemaIsValidJSON(t *testing.T) {
	tool := New(&fakeClient{})
	var v map[string]any
	if err := json.Unmarshal(tool.Schema(), &v); err != nil {
		t.Fatalf("Schema() did not produce valid JSON: %v", err)
	}
}
