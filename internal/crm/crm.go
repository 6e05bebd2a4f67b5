// Package crm is the narrow HTTP client for the external CRM API that
// internal/tools/contactsearch.Client names. It follows the same
// request/response/error shape as internal/memory/httpmemory: bearer-token
// auth, a shared doJSON helper, bounded response reads via io.LimitReader,
// non-2xx status mapped to an error carrying the response body.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexuschat/orchestrator/internal/tools/contactsearch"
)

const (
	defaultTimeout          = 5 * time.Second
	defaultMaxResponseBytes = int64(1 << 20)
)

// Config configures the CRM HTTP client.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// Client talks to an external CRM service over HTTP.
type Client struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	maxBytes int64
}

// New builds a Client. baseURL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("crm: base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("crm: invalid base_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("crm: base_url scheme must be http or https")
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

	return &Client{baseURL: baseURL, apiKey: cfg.APIKey, client: client, maxBytes: maxBytes}, nil
}

var _ contactsearch.Client = (*Client)(nil)

type searchResponse struct {
	Contacts []contactsearch.Contact `json:"contacts"`
}

// SearchContacts issues GET /v1/contacts?q=...&limit=....
func (c *Client) SearchContacts(ctx context.Context, query string, limit int) ([]contactsearch.Contact, error) {
	endpoint := fmt.Sprintf("%s/v1/contacts?q=%s&limit=%d", c.baseURL, url.QueryEscape(query), limit)
	data, err := c.doJSON(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("crm: decode response: %w", err)
	}
	return resp.Contacts, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("crm: create request: %w", err)
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
		return nil, fmt.Errorf("crm: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("crm: read response: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("crm: response too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("crm: %s", msg)
	}
	return json.RawMessage(data), nil
}
