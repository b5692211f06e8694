package approval

import (
	"testing"

	"github.com/jkaninda/idhini/internal/tools"
)

func TestDescribe(t *testing.T) {
	cases := []struct {
		tool string
		args map[string]any
		want string
	}{
		{
			tool: "create_issue",
			args: map[string]any{"title": "Fix login timeout", "priority": 2.0},
			want: "Create issue: Fix login timeout (Priority: P2)",
		},
		{
			tool: "create_issue",
			args: map[string]any{"title": "Fix login timeout"},
			want: "Create issue: Fix login timeout",
		},
		{
			tool: "update_issue",
			args: map[string]any{"id": "PROJ-42", "fields": map[string]any{"status": "closed", "assignee": "ada"}},
			want: "Update issue PROJ-42: assignee = ada, status = closed",
		},
		{
			tool: "bulk_update_issues",
			args: map[string]any{"issue_ids": []any{"a", "b", "c"}, "field": "status", "value": "closed"},
			want: "Update 3 issues: status = closed",
		},
		{
			tool: "create_pull_request",
			args: map[string]any{"title": "Add retries", "repository": "core", "head": "fix/retries", "base": "main"},
			want: "Open pull request: Add retries (core, fix/retries -> main)",
		},
		{
			tool: "some_new_tool",
			args: map[string]any{},
			want: "Execute some_new_tool",
		},
	}

	for _, tc := range cases {
		if got := Describe(tc.tool, tc.args); got != tc.want {
			t.Errorf("Describe(%s) = %q, want %q", tc.tool, got, tc.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		name string
		tool string
		o    *tools.Outcome
		want string
	}{
		{
			name: "create issue",
			tool: "create_issue",
			o:    &tools.Outcome{Data: map[string]any{"identifier": "PROJ-43", "title": "Fix login timeout"}},
			want: "Created issue PROJ-43: Fix login timeout",
		},
		{
			name: "partial discloses the split",
			tool: "bulk_update_issues",
			o:    &tools.Outcome{Kind: tools.OutcomePartial, Succeeded: 3, Failed: 2},
			want: "Updated 3/5 issues (2 failed)",
		},
		{
			name: "partial with unknown noun",
			tool: "some_batch_tool",
			o:    &tools.Outcome{Kind: tools.OutcomePartial, Succeeded: 1, Failed: 1},
			want: "Updated 1/2 items (1 failed)",
		},
		{
			name: "fallback to output",
			tool: "some_new_tool",
			o:    &tools.Outcome{Output: "ran fine"},
			want: "ran fine",
		},
		{
			name: "fallback with nothing",
			tool: "some_new_tool",
			o:    &tools.Outcome{},
			want: "Done",
		},
	}

	for _, tc := range cases {
		if got := Summarize(tc.tool, tc.o); got != tc.want {
			t.Errorf("%s: Summarize = %q, want %q", tc.name, got, tc.want)
		}
	}
}
