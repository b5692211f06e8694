// Package issues implements the issue-tracker tool family. Read tools query
// the tracker's REST API directly; write tools mutate it and therefore only
// run through the approval manager.
package issues

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
)

// Config holds issue tracker connection settings.
type Config struct {
	BaseURL string // e.g. "https://tracker.example.com/api"
	Token   string // Bearer token.
	Timeout time.Duration
}

// Client is a minimal REST client for the issue tracker API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates an issue tracker client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Issue is the tracker's issue representation.
type Issue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"` // Human-facing key, e.g. "ENG-142".
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	State       string `json:"state,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Search returns issues matching the query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Issue, error) {
	q := url.Values{"query": {query}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var result struct {
		Issues []Issue `json:"issues"`
	}
	if err := c.do(ctx, http.MethodGet, "/issues?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Issues, nil
}

// Get returns a single issue by id or identifier.
func (c *Client) Get(ctx context.Context, id string) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, "/issues/"+url.PathEscape(id), nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// Create creates a new issue and returns the created record.
func (c *Client) Create(ctx context.Context, payload map[string]any) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodPost, "/issues", payload, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// Update patches fields on an existing issue.
func (c *Client) Update(ctx context.Context, id string, fields map[string]any) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodPatch, "/issues/"+url.PathEscape(id), fields, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.config.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("tracker API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshaling response: %w", err)
		}
	}
	return nil
}
