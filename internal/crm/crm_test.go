package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchContactsParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/contacts" {
			t.Errorf("path = %s, want /v1/contacts", r.URL.Path)
		}
		if r.URL.Query().Get("q") != "Peter Kelly" {
			t.Errorf("q = %s, want 'Peter Kelly'", r.URL.Query().Get("q"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"contacts": []map[string]any{
				{"id": "c1", "name": "Peter Kelly", "email": "peter@example.com"},
			},
		})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	contacts, err := c.SearchContacts(context.Background(), "Peter Kelly", 5)
	if err != nil {
		t.Fatalf("SearchContacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Name != "Peter Kelly" {
		t.Errorf("contacts = %+v", contacts)
	}
}

func TestSearchContactsPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.SearchContacts(context.Background(), "q", 5); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestNewRejectsMissingBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base_url")
	}
}
