// Package httpmemory implements memory.Gateway against an external
// vector/graph memory service over a small JSON REST surface: bounded
// response reads, a shared doJSON helper, bearer-token auth.
package httpmemory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexuschat/orchestrator/internal/backoff"
	"github.com/nexuschat/orchestrator/internal/memory"
)

const (
	defaultTimeout          = 5 * time.Second
	defaultMaxResponseBytes = int64(1 << 20)
	defaultMaxRetries       = 2
	defaultRetryDelay       = 500 * time.Millisecond
)

// Config configures the HTTP memory client.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxResponseBytes int64
	MaxRetries       int
	RetryDelay       time.Duration
	HTTPClient       *http.Client
}

// Client talks to an external memory store over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxBytes   int64
	maxRetries int
	retryDelay time.Duration
}

// New builds a Client. baseURL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("httpmemory: base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("httpmemory: invalid base_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("httpmemory: base_url scheme must be http or https")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		client:     client,
		maxBytes:   maxBytes,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

// retryPolicy builds the backoff.BackoffPolicy doJSON retries transient
// request failures and 429/5xx responses with: doubling factor, 10% jitter,
// capped at 64x the configured base delay, the same shape internal/llm's
// provider adapters use for their own stream-open retries.
func (c *Client) retryPolicy() backoff.BackoffPolicy {
	initialMs := float64(c.retryDelay.Milliseconds())
	if initialMs <= 0 {
		initialMs = 500
	}
	return backoff.BackoffPolicy{
		InitialMs: initialMs,
		MaxMs:     initialMs * 64,
		Factor:    2,
		Jitter:    0.1,
	}
}

var _ memory.Gateway = (*Client)(nil)

type addTurnRequest struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Messages  []memory.Message  `json:"messages"`
}

// AddTurn posts the turn to POST /v1/memory/turns.
func (c *Client) AddTurn(ctx context.Context, sessionID, userID string, messages []memory.Message) error {
	body, err := json.Marshal(addTurnRequest{SessionID: sessionID, UserID: userID, Messages: messages})
	if err != nil {
		return fmt.Errorf("httpmemory: encode request: %w", err)
	}
	_, err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/v1/memory/turns", body)
	return err
}

type queryRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
	K         int    `json:"k"`
}

type queryResponse struct {
	Snippets []struct {
		Text      string    `json:"text"`
		Score     float64   `json:"score"`
		SessionID string    `json:"session_id"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"snippets"`
}

// QueryRelevant posts to POST /v1/memory/query.
func (c *Client) QueryRelevant(ctx context.Context, sessionID, userID, queryText string, k int) ([]memory.Snippet, error) {
	body, err := json.Marshal(queryRequest{SessionID: sessionID, UserID: userID, Query: queryText, K: k})
	if err != nil {
		return nil, fmt.Errorf("httpmemory: encode request: %w", err)
	}
	data, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v1/memory/query", body)
	if err != nil {
		return nil, err
	}
	var resp queryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("httpmemory: decode response: %w", err)
	}
	snippets := make([]memory.Snippet, 0, len(resp.Snippets))
	for _, s := range resp.Snippets {
		snippets = append(snippets, memory.Snippet{
			Text:      s.Text,
			Score:     s.Score,
			SessionID: s.SessionID,
			CreatedAt: s.CreatedAt,
		})
	}
	return snippets, nil
}

// DeleteSession issues DELETE /v1/memory/sessions/{sessionID}?user_id=...
func (c *Client) DeleteSession(ctx context.Context, sessionID, userID string) error {
	endpoint := c.baseURL + "/v1/memory/sessions/" + url.PathEscape(sessionID) + "?user_id=" + url.QueryEscape(userID)
	_, err := c.doJSON(ctx, http.MethodDelete, endpoint, nil)
	return err
}

// doJSON issues one request, retrying transient failures (connection errors,
// 429, 5xx) with exponential backoff via backoff.RetryWithBackoff. body is
// re-read from scratch on every attempt since http.Request bodies can't be
// replayed once consumed.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte) (json.RawMessage, error) {
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var permanentErr error
	result, err := backoff.RetryWithBackoff(retryCtx, c.retryPolicy(), c.maxRetries+1,
		func(attempt int) (json.RawMessage, error) {
			data, retryable, cerr := c.doJSONOnce(ctx, method, endpoint, body)
			if cerr == nil {
				return data, nil
			}
			if !retryable {
				permanentErr = cerr
				cancel()
			}
			return nil, cerr
		})

	switch {
	case permanentErr != nil:
		return nil, permanentErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, fmt.Errorf("httpmemory: max retries exceeded: %w", result.LastError)
	}
	return result.Value, nil
}

func (c *Client) doJSONOnce(ctx context.Context, method, endpoint string, body []byte) (json.RawMessage, bool, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("httpmemory: create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("httpmemory: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("httpmemory: read response: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, false, fmt.Errorf("httpmemory: response too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("httpmemory: %s", msg)
	}
	return json.RawMessage(data), false, nil
}
