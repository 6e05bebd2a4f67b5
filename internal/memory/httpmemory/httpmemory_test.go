package httpmemory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueryRelevantParsesSnippets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memory/query" {
			t.Errorf("path = %s, want /v1/memory/query", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"snippets": []map[string]any{
				{"text": "hello", "score": 0.9, "session_id": "sess-1"},
			},
		})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results, err := c.QueryRelevant(context.Background(), "sess-2", "user-1", "q", 3)
	if err != nil {
		t.Fatalf("QueryRelevant: %v", err)
	}
	if len(results) != 1 || results[0].Text != "hello" {
		t.Errorf("results = %+v", results)
	}
}

func TestAddTurnPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, MaxRetries: 1, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.AddTurn(context.Background(), "sess-1", "user-1", nil)
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}

// TestAddTurnRetriesTransientServerError verifies doJSON retries a 500
// response via backoff.RetryWithBackoff and succeeds once the server
// recovers, rather than failing on the first attempt.
func TestAddTurnRetriesTransientServerError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("try again"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.AddTurn(context.Background(), "sess-1", "user-1", nil); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("server saw %d attempts, want 3", got)
	}
}

// TestAddTurnDoesNotRetryClientError verifies a 400 response is treated as
// permanent and not retried.
func TestAddTurnDoesNotRetryClientError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.AddTurn(context.Background(), "sess-1", "user-1", nil); err == nil {
		t.Fatal("expected error on 400 response")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("server saw %d attempts, want 1 (no retry on 4xx)", got)
	}
}

func TestNewRejectsMissingBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base_url")
	}
}
