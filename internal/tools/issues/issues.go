package issues

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/tools"
)

// Category groups all issue tracker tools.
const Category = "issues"

const defaultSearchLimit = 25

// RegisterAll registers the issue tracker tool family on the registry.
func RegisterAll(reg *tools.Registry, client *Client, logger *slog.Logger) {
	reg.Register(&SearchTool{client: client, logger: logger})
	reg.Register(&GetTool{client: client, logger: logger})
	reg.Register(&CreateTool{client: client, logger: logger})
	reg.Register(&UpdateTool{client: client, logger: logger})
	reg.Register(&BulkUpdateTool{client: client, logger: logger})
}

// --- search_issues (read) ---

// SearchTool queries the tracker for issues matching a text query.
type SearchTool struct {
	client *Client
	logger *slog.Logger
}

func (t *SearchTool) Name() string        { return "search_issues" }
func (t *SearchTool) Description() string { return "Search issues in the tracker by text query" }
func (t *SearchTool) Category() string    { return Category }
func (t *SearchTool) RequiresApproval() bool { return false }
func (t *SearchTool) Destructive() bool      { return false }

func (t *SearchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search text"},
			"limit": map[string]any{"type": "number", "description": "Maximum results (default 25)"},
		},
		"required": []string{"query"},
	}
}

func (t *SearchTool) Validate(args map[string]any) error {
	_, err := tools.StringArg(args, "query")
	return err
}

func (t *SearchTool) Preview(map[string]any) []action.PreviewField { return nil }

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (*tools.Outcome, error) {
	query, err := tools.StringArg(args, "query")
	if err != nil {
		return nil, err
	}
	limit := tools.OptionalInt(args, "limit", defaultSearchLimit)

	found, err := t.client.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	out, _ := json.Marshal(found)
	return &tools.Outcome{
		Kind:   tools.OutcomeSuccess,
		Output: tools.TruncateOutput(string(out), tools.MaxOutputBytes),
		Data:   map[string]any{"count": len(found)},
	}, nil
}

// --- get_issue (read) ---

// GetTool fetches a single issue.
type GetTool struct {
	client *Client
	logger *slog.Logger
}

func (t *GetTool) Name() string           { return "get_issue" }
func (t *GetTool) Description() string    { return "Fetch a single issue by id or identifier" }
func (t *GetTool) Category() string       { return Category }
func (t *GetTool) RequiresApproval() bool { return false }
func (t *GetTool) Destructive() bool      { return false }

func (t *GetTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "description": "Issue id or identifier (e.g. ENG-142)"},
		},
		"required": []string{"id"},
	}
}

func (t *GetTool) Validate(args map[string]any) error {
	_, err := tools.StringArg(args, "id")
	return err
}

func (t *GetTool) Preview(map[string]any) []action.PreviewField { return nil }

func (t *GetTool) Execute(ctx context.Context, args map[string]any) (*tools.Outcome, error) {
	id, err := tools.StringArg(args, "id")
	if err != nil {
		return nil, err
	}
	issue, err := t.client.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, _ := json.Marshal(issue)
	return &tools.Outcome{Kind: tools.OutcomeSuccess, Output: string(out)}, nil
}

// --- create_issue (write) ---

// CreateTool creates a new issue. Approval-gated.
type CreateTool struct {
	client *Client
	logger *slog.Logger
}

func (t *CreateTool) Name() string           { return "create_issue" }
func (t *CreateTool) Description() string    { return "Create a new issue in the tracker" }
func (t *CreateTool) Category() string       { return Category }
func (t *CreateTool) RequiresApproval() bool { return true }
func (t *CreateTool) Destructive() bool      { return false }

func (t *CreateTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string", "description": "Issue title"},
			"description": map[string]any{"type": "string", "description": "Issue body (markdown)"},
			"priority":    map[string]any{"type": "number", "description": "Priority 1 (urgent) to 4 (low)"},
			"assignee":    map[string]any{"type": "string", "description": "Assignee login"},
		},
		"required": []string{"title"},
	}
}

func (t *CreateTool) Validate(args map[string]any) error {
	if _, err := tools.StringArg(args, "title"); err != nil {
		return err
	}
	if p := tools.OptionalInt(args, "priority", 0); p < 0 || p > 4 {
		return fmt.Errorf("parameter priority must be between 1 and 4")
	}
	return nil
}

func (t *CreateTool) Preview(args map[string]any) []action.PreviewField {
	fields := []action.PreviewField{
		{Field: "title", NewValue: tools.OptionalString(args, "title")},
	}
	if desc := tools.OptionalString(args, "description"); desc != "" {
		fields = append(fields, action.PreviewField{Field: "description", NewValue: desc})
	}
	if p := tools.OptionalInt(args, "priority", 0); p > 0 {
		fields = append(fields, action.PreviewField{Field: "priority", NewValue: fmt.Sprintf("P%d", p)})
	}
	if a := tools.OptionalString(args, "assignee"); a != "" {
		fields = append(fields, action.PreviewField{Field: "assignee", NewValue: a})
	}
	return fields
}

func (t *CreateTool) Execute(ctx context.Context, args map[string]any) (*tools.Outcome, error) {
	payload := map[string]any{"title": args["title"]}
	for _, k := range []string{"description", "priority", "assignee"} {
		if v, ok := args[k]; ok {
			payload[k] = v
		}
	}

	issue, err := t.client.Create(ctx, payload)
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "issue created", slog.String("identifier", issue.Identifier))
	return &tools.Outcome{
		Kind: tools.OutcomeSuccess,
		Data: map[string]any{"identifier": issue.Identifier, "title": issue.Title},
		URL:  issue.URL,
	}, nil
}

// --- update_issue (write) ---

// UpdateTool patches fields on an existing issue. Approval-gated.
type UpdateTool struct {
	client *Client
	logger *slog.Logger
}

func (t *UpdateTool) Name() string           { return "update_issue" }
func (t *UpdateTool) Description() string    { return "Update fields on an existing issue" }
func (t *UpdateTool) Category() string       { return Category }
func (t *UpdateTool) RequiresApproval() bool { return true }
func (t *UpdateTool) Destructive() bool      { return false }

func (t *UpdateTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "description": "Issue id or identifier"},
			"fields": map[string]any{
				"type":        "object",
				"description": "Field name to new value, e.g. {\"state\": \"done\", \"priority\": 2}",
			},
			"current": map[string]any{
				"type":        "object",
				"description": "Optional field name to current value, shown as the before side of the diff",
			},
		},
		"required": []string{"id", "fields"},
	}
}

func (t *UpdateTool) Validate(args map[string]any) error {
	if _, err := tools.StringArg(args, "id"); err != nil {
		return err
	}
	fields, ok := args["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return fmt.Errorf("parameter fields must be a non-empty object")
	}
	return nil
}

func (t *UpdateTool) Preview(args map[string]any) []action.PreviewField {
	fields, _ := args["fields"].(map[string]any)
	current, _ := args["current"].(map[string]any)
	return diffPreview(fields, current)
}

func (t *UpdateTool) Execute(ctx context.Context, args map[string]any) (*tools.Outcome, error) {
	id, err := tools.StringArg(args, "id")
	if err != nil {
		return nil, err
	}
	fields, _ := args["fields"].(map[string]any)

	issue, err := t.client.Update(ctx, id, fields)
	if err != nil {
		return nil, err
	}

	names := fieldNames(fields)
	return &tools.Outcome{
		Kind: tools.OutcomeSuccess,
		Data: map[string]any{"identifier": issue.Identifier, "fields": strings.Join(names, ", ")},
		URL:  issue.URL,
	}, nil
}

// --- bulk_update_issues (write, supports partial success) ---

// BulkUpdateTool applies one field change to a batch of issues. Items fail
// independently; a mixed result is reported as a partial outcome.
type BulkUpdateTool struct {
	client *Client
	logger *slog.Logger
}

func (t *BulkUpdateTool) Name() string           { return "bulk_update_issues" }
func (t *BulkUpdateTool) Description() string    { return "Apply the same field change to multiple issues" }
func (t *BulkUpdateTool) Category() string       { return Category }
func (t *BulkUpdateTool) RequiresApproval() bool { return true }
func (t *BulkUpdateTool) Destructive() bool      { return false }

func (t *BulkUpdateTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"issue_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Issue ids or identifiers to update",
			},
			"field": map[string]any{"type": "string", "description": "Field to change"},
			"value": map[string]any{"description": "New value for the field"},
		},
		"required": []string{"issue_ids", "field", "value"},
	}
}

func (t *BulkUpdateTool) Validate(args map[string]any) error {
	if _, err := tools.StringSliceArg(args, "issue_ids"); err != nil {
		return err
	}
	if _, err := tools.StringArg(args, "field"); err != nil {
		return err
	}
	if _, ok := args["value"]; !ok {
		return fmt.Errorf("missing required parameter: value")
	}
	return nil
}

func (t *BulkUpdateTool) Preview(args map[string]any) []action.PreviewField {
	ids, _ := tools.StringSliceArg(args, "issue_ids")
	field := tools.OptionalString(args, "field")
	return []action.PreviewField{
		{Field: "issues", NewValue: strings.Join(ids, ", ")},
		{Field: field, NewValue: fmt.Sprint(args["value"])},
	}
}

func (t *BulkUpdateTool) Execute(ctx context.Context, args map[string]any) (*tools.Outcome, error) {
	ids, err := tools.StringSliceArg(args, "issue_ids")
	if err != nil {
		return nil, err
	}
	field, err := tools.StringArg(args, "field")
	if err != nil {
		return nil, err
	}
	patch := map[string]any{field: args["value"]}

	var succeeded, failed int
	var failures []string
	for _, id := range ids {
		if _, err := t.client.Update(ctx, id, patch); err != nil {
			failed++
			failures = append(failures, fmt.Sprintf("%s: %v", id, err))
			t.logger.WarnContext(ctx, "bulk update item failed",
				slog.String("issue", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		succeeded++
	}

	switch {
	case failed == 0:
		return &tools.Outcome{
			Kind:      tools.OutcomeSuccess,
			Data:      map[string]any{"count": succeeded, "field": field},
			Succeeded: succeeded,
		}, nil
	case succeeded == 0:
		return &tools.Outcome{
			Kind:          tools.OutcomeFailure,
			FailureReason: fmt.Sprintf("all %d updates failed: %s", failed, strings.Join(failures, "; ")),
		}, nil
	default:
		return &tools.Outcome{
			Kind:      tools.OutcomePartial,
			Data:      map[string]any{"field": field, "failures": strings.Join(failures, "; ")},
			Succeeded: succeeded,
			Failed:    failed,
		}, nil
	}
}

// diffPreview renders a fields map as ordered preview entries, pulling the
// before side from the optional current map.
func diffPreview(fields, current map[string]any) []action.PreviewField {
	var preview []action.PreviewField
	for _, name := range fieldNames(fields) {
		pf := action.PreviewField{Field: name, NewValue: fmt.Sprint(fields[name])}
		if cv, ok := current[name]; ok {
			pf.OldValue = fmt.Sprint(cv)
		}
		preview = append(preview, pf)
	}
	return preview
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	// Deterministic order for previews and summaries.
	sort.Strings(names)
	return names
}
