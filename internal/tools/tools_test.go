package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/jkaninda/idhini/internal/action"
)

type testTool struct {
	name        string
	description string
	category    string
	write       bool
	destructive bool
	preview     []action.PreviewField
}

func (t *testTool) Name() string                  { return t.name }
func (t *testTool) Description() string           { return t.description }
func (t *testTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (t *testTool) Category() string              { return t.category }
func (t *testTool) RequiresApproval() bool        { return t.write }
func (t *testTool) Destructive() bool             { return t.destructive }
func (t *testTool) Validate(map[string]any) error { return nil }
func (t *testTool) Preview(map[string]any) []action.PreviewField {
	return t.preview
}
func (t *testTool) Execute(context.Context, map[string]any) (*Outcome, error) {
	return &Outcome{Kind: OutcomeSuccess}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	tool := &testTool{name: "search_issues", description: "Search issues"}
	r.Register(tool)

	if got := r.Get("search_issues"); got != tool {
		t.Fatal("Get returned a different tool")
	}
	if r.Get("nope") != nil {
		t.Fatal("Get for unknown name must return nil")
	}
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(&testTool{name: "update_issue"})

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration must panic")
		}
	}()
	r.Register(&testTool{name: "update_issue"})
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&testTool{name: "update_issue"})
	r.Register(&testTool{name: "create_issue"})
	r.Register(&testTool{name: "search_issues"})

	names := r.List()
	want := []string{"create_issue", "search_issues", "update_issue"}
	if len(names) != len(want) {
		t.Fatalf("List = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List = %v, want %v", names, want)
		}
	}
}

func TestIsWriteTool(t *testing.T) {
	r := NewRegistry()
	r.Register(&testTool{name: "search_issues"})
	r.Register(&testTool{name: "update_issue", write: true})

	if r.IsWriteTool("search_issues") {
		t.Fatal("read tool classified as write")
	}
	if !r.IsWriteTool("update_issue") {
		t.Fatal("write tool not classified")
	}
	// Unknown names are not write tools; Get disambiguates.
	if r.IsWriteTool("nope") {
		t.Fatal("unknown tool classified as write")
	}
}

func TestRegistryPreview(t *testing.T) {
	r := NewRegistry()
	r.Register(&testTool{
		name:  "update_issue",
		write: true,
		preview: []action.PreviewField{
			{Field: "status", OldValue: "open", NewValue: "closed"},
		},
	})

	fields, err := r.Preview("update_issue", map[string]any{})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(fields) != 1 || fields[0].Field != "status" {
		t.Fatalf("preview = %+v", fields)
	}

	if _, err := r.Preview("nope", nil); err == nil {
		t.Fatal("Preview for unknown tool must error")
	}
}

func TestLLMDefinitions(t *testing.T) {
	r := NewRegistry()
	r.Register(&testTool{name: "search_issues", description: "Search issues"})
	r.Register(&testTool{name: "update_issue", description: "Update an issue", write: true})

	defs := r.LLMDefinitions()
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
	// Sorted by name, schema carried through.
	if defs[0].Name != "search_issues" || defs[1].Name != "update_issue" {
		t.Fatalf("definition order: %s, %s", defs[0].Name, defs[1].Name)
	}
	if defs[0].InputSchema["type"] != "object" {
		t.Fatalf("schema lost: %+v", defs[0].InputSchema)
	}
}

func TestCapabilityPrompt(t *testing.T) {
	r := NewRegistry()
	r.Register(&testTool{name: "search_issues", description: "Search issues", category: "issues"})
	r.Register(&testTool{name: "update_issue", description: "Update an issue", category: "issues", write: true})
	r.Register(&testTool{name: "bulk_update_issues", description: "Bulk-update issues", category: "issues", write: true, destructive: true})
	r.Register(&testTool{name: "create_pull_request", description: "Open a pull request", category: "repos", write: true})

	prompt := CapabilityPrompt(r)

	for _, want := range []string{
		"Actions requiring approval",
		"**issues**",
		"**repos**",
		"`update_issue`",
		"`create_pull_request`",
		"Read-only lookups",
		"`search_issues`",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.Contains(prompt, "`bulk_update_issues` — Bulk-update issues (destructive)") {
		t.Error("destructive marker missing")
	}
	// Categories render in deterministic order.
	if strings.Index(prompt, "**issues**") > strings.Index(prompt, "**repos**") {
		t.Error("categories not sorted")
	}
}

func TestCapabilityPromptNoWriteTools(t *testing.T) {
	r := NewRegistry()
	r.Register(&testTool{name: "search_issues", description: "Search issues"})

	prompt := CapabilityPrompt(r)
	if strings.Contains(prompt, "Actions requiring approval") {
		t.Error("write section rendered with no write tools")
	}
	if !strings.Contains(prompt, "`search_issues`") {
		t.Error("read tool missing")
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Fatalf("short output modified: %q", got)
	}

	long := strings.Repeat("a", 200)
	got := TruncateOutput(long, 100)
	if len(got) != 100 {
		t.Fatalf("truncated length = %d, want 100", len(got))
	}
	if !strings.HasSuffix(got, "[output truncated]") {
		t.Fatalf("truncation notice missing: %q", got[80:])
	}
}

func TestStringArg(t *testing.T) {
	args := map[string]any{"id": "PROJ-42", "empty": "", "num": 3.0}

	if v, err := StringArg(args, "id"); err != nil || v != "PROJ-42" {
		t.Fatalf("StringArg(id) = %q, %v", v, err)
	}
	if _, err := StringArg(args, "missing"); err == nil {
		t.Fatal("missing key must error")
	}
	if _, err := StringArg(args, "empty"); err == nil {
		t.Fatal("empty string must error")
	}
	if _, err := StringArg(args, "num"); err == nil {
		t.Fatal("non-string must error")
	}
}

func TestIntArg(t *testing.T) {
	// JSON numbers decode as float64.
	args := map[string]any{"n": 42.0, "s": "x"}

	if v, err := IntArg(args, "n"); err != nil || v != 42 {
		t.Fatalf("IntArg(n) = %d, %v", v, err)
	}
	if _, err := IntArg(args, "missing"); err == nil {
		t.Fatal("missing key must error")
	}
	if _, err := IntArg(args, "s"); err == nil {
		t.Fatal("non-number must error")
	}
	if v := OptionalInt(args, "missing", 7); v != 7 {
		t.Fatalf("OptionalInt default = %d", v)
	}
}
