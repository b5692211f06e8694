// Package repos implements the code-hosting tool family: repository lookup,
// pull request creation, and issue/PR comments against a hosting platform's
// REST API.
package repos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/tools"
)

// Category groups all code-hosting tools.
const Category = "repos"

// Config holds code-hosting connection settings.
type Config struct {
	BaseURL string // e.g. "https://git.example.com/api/v1"
	Token   string
	Timeout time.Duration
}

// Client is a minimal REST client for the hosting platform.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a code-hosting client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{config: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
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
		return fmt.Errorf("hosting request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("hosting API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshaling response: %w", err)
		}
	}
	return nil
}

// RegisterAll registers the code-hosting tool family on the registry.
func RegisterAll(reg *tools.Registry, client *Client, logger *slog.Logger) {
	reg.Register(&GetRepositoryTool{client: client, logger: logger})
	reg.Register(&CreatePullRequestTool{client: client, logger: logger})
	reg.Register(&AddCommentTool{client: client, logger: logger})
}

// --- get_repository (read) ---

// GetRepositoryTool fetches repository metadata.
type GetRepositoryTool struct {
	client *Client
	logger *slog.Logger
}

func (t *GetRepositoryTool) Name() string           { return "get_repository" }
func (t *GetRepositoryTool) Description() string    { return "Fetch repository metadata" }
func (t *GetRepositoryTool) Category() string       { return Category }
func (t *GetRepositoryTool) RequiresApproval() bool { return false }
func (t *GetRepositoryTool) Destructive() bool      { return false }

func (t *GetRepositoryTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repository": map[string]any{"type": "string", "description": "owner/name"},
		},
		"required": []string{"repository"},
	}
}

func (t *GetRepositoryTool) Validate(args map[string]any) error {
	repo, err := tools.StringArg(args, "repository")
	if err != nil {
		return err
	}
	if !strings.Contains(repo, "/") {
		return fmt.Errorf("parameter repository must be owner/name")
	}
	return nil
}

func (t *GetRepositoryTool) Preview(map[string]any) []action.PreviewField { return nil }

func (t *GetRepositoryTool) Execute(ctx context.Context, args map[string]any) (*tools.Outcome, error) {
	repo, err := tools.StringArg(args, "repository")
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := t.client.do(ctx, http.MethodGet, "/repos/"+escapeRepo(repo), nil, &out); err != nil {
		return nil, err
	}
	b, _ := json.Marshal(out)
	return &tools.Outcome{Kind: tools.OutcomeSuccess, Output: string(b)}, nil
}

// --- create_pull_request (write) ---

// CreatePullRequestTool opens a pull request. Approval-gated.
type CreatePullRequestTool struct {
	client *Client
	logger *slog.Logger
}

func (t *CreatePullRequestTool) Name() string           { return "create_pull_request" }
func (t *CreatePullRequestTool) Description() string    { return "Open a pull request between two branches" }
func (t *CreatePullRequestTool) Category() string       { return Category }
func (t *CreatePullRequestTool) RequiresApproval() bool { return true }
func (t *CreatePullRequestTool) Destructive() bool      { return false }

func (t *CreatePullRequestTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repository": map[string]any{"type": "string", "description": "owner/name"},
			"title":      map[string]any{"type": "string", "description": "Pull request title"},
			"body":       map[string]any{"type": "string", "description": "Pull request description"},
			"head":       map[string]any{"type": "string", "description": "Source branch"},
			"base":       map[string]any{"type": "string", "description": "Target branch"},
		},
		"required": []string{"repository", "title", "head", "base"},
	}
}

func (t *CreatePullRequestTool) Validate(args map[string]any) error {
	for _, key := range []string{"repository", "title", "head", "base"} {
		if _, err := tools.StringArg(args, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *CreatePullRequestTool) Preview(args map[string]any) []action.PreviewField {
	return []action.PreviewField{
		{Field: "repository", NewValue: tools.OptionalString(args, "repository")},
		{Field: "title", NewValue: tools.OptionalString(args, "title")},
		{Field: "branch", NewValue: fmt.Sprintf("%s -> %s",
			tools.OptionalString(args, "head"), tools.OptionalString(args, "base"))},
	}
}

func (t *CreatePullRequestTool) Execute(ctx context.Context, args map[string]any) (*tools.Outcome, error) {
	repo, err := tools.StringArg(args, "repository")
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"title": args["title"],
		"head":  args["head"],
		"base":  args["base"],
	}
	if body := tools.OptionalString(args, "body"); body != "" {
		payload["body"] = body
	}

	var created struct {
		Number int    `json:"number"`
		URL    string `json:"html_url"`
	}
	if err := t.client.do(ctx, http.MethodPost, "/repos/"+escapeRepo(repo)+"/pulls", payload, &created); err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "pull request created",
		slog.String("repository", repo),
		slog.Int("number", created.Number),
	)
	return &tools.Outcome{
		Kind: tools.OutcomeSuccess,
		Data: map[string]any{"number": created.Number, "repository": repo, "title": args["title"]},
		URL:  created.URL,
	}, nil
}

// --- add_issue_comment (write) ---

// AddCommentTool posts a comment on an issue or pull request. Approval-gated.
type AddCommentTool struct {
	client *Client
	logger *slog.Logger
}

func (t *AddCommentTool) Name() string           { return "add_issue_comment" }
func (t *AddCommentTool) Description() string    { return "Post a comment on an issue or pull request" }
func (t *AddCommentTool) Category() string       { return Category }
func (t *AddCommentTool) RequiresApproval() bool { return true }
func (t *AddCommentTool) Destructive() bool      { return false }

func (t *AddCommentTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repository": map[string]any{"type": "string", "description": "owner/name"},
			"number":     map[string]any{"type": "number", "description": "Issue or PR number"},
			"body":       map[string]any{"type": "string", "description": "Comment body (markdown)"},
		},
		"required": []string{"repository", "number", "body"},
	}
}

func (t *AddCommentTool) Validate(args map[string]any) error {
	if _, err := tools.StringArg(args, "repository"); err != nil {
		return err
	}
	if _, err := tools.IntArg(args, "number"); err != nil {
		return err
	}
	_, err := tools.StringArg(args, "body")
	return err
}

func (t *AddCommentTool) Preview(args map[string]any) []action.PreviewField {
	number := tools.OptionalInt(args, "number", 0)
	return []action.PreviewField{
		{Field: "target", NewValue: fmt.Sprintf("%s#%d", tools.OptionalString(args, "repository"), number)},
		{Field: "comment", NewValue: tools.OptionalString(args, "body")},
	}
}

func (t *AddCommentTool) Execute(ctx context.Context, args map[string]any) (*tools.Outcome, error) {
	repo, err := tools.StringArg(args, "repository")
	if err != nil {
		return nil, err
	}
	number, err := tools.IntArg(args, "number")
	if err != nil {
		return nil, err
	}

	var created struct {
		URL string `json:"html_url"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", escapeRepo(repo), number)
	if err := t.client.do(ctx, http.MethodPost, path, map[string]any{"body": args["body"]}, &created); err != nil {
		return nil, err
	}

	return &tools.Outcome{
		Kind: tools.OutcomeSuccess,
		Data: map[string]any{"repository": repo, "number": number},
		URL:  created.URL,
	}, nil
}

// escapeRepo path-escapes owner and name separately, keeping the slash.
func escapeRepo(repo string) string {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return url.PathEscape(repo)
	}
	return url.PathEscape(parts[0]) + "/" + url.PathEscape(parts[1])
}
