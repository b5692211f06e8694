// Package tools defines the tool interface and registry for Idhini.
// Each tool declares whether it mutates external state: read tools execute
// synchronously inside the conversation loop, write tools are intercepted
// into action proposals and only ever run through the approval manager.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/llm"
)

// Tool is the interface all Idhini tools must implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "create_issue").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's
	// arguments. Sent to the LLM as the tool's input_schema.
	InputSchema() map[string]any

	// Category identifies the external system family the tool touches
	// (e.g. "issues", "repos", "records"). Used for grouping and styling.
	Category() string

	// RequiresApproval reports whether the tool mutates external state.
	// Write tools are never invoked directly by the conversation loop.
	RequiresApproval() bool

	// Destructive reports whether the mutation is hard to reverse.
	Destructive() bool

	// Validate checks that args are well-formed against the tool's schema.
	// Called at the boundary before any proposal is created or handler run.
	Validate(args map[string]any) error

	// Preview returns the ordered before/after diff a human reviews before
	// approving. Read tools return nil.
	Preview(args map[string]any) []action.PreviewField

	// Execute runs the tool with the given arguments. For write tools this
	// is only ever called by the approval manager after approval; the
	// handler must be safe to invoke at most once per execute call.
	Execute(ctx context.Context, args map[string]any) (*Outcome, error)
}

// OutcomeKind discriminates the three handler outcomes the approval manager
// classifies: clean success, partial success (batch split), and failure.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomePartial
	OutcomeFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a tool handler.
type Outcome struct {
	Kind OutcomeKind

	// Output is the textual result read tools feed back to the LLM.
	Output string

	// Data carries tool-specific fields consumed by the summary templates
	// (e.g. "identifier", "title").
	Data map[string]any

	// URL links to the created or updated resource, when one exists.
	URL string

	// Succeeded and Failed record the batch split for OutcomePartial.
	Succeeded int
	Failed    int

	// FailureReason is set for OutcomeFailure.
	FailureReason string
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name. Built once at process start
// and shared by reference between the conversation loop and the approval
// manager; writes should only happen during startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name()
	}
	return names
}

// IsWriteTool reports whether the named tool requires approval.
// Unknown names are not write tools; callers that need to distinguish
// unknown from read use Get.
func (r *Registry) IsWriteTool(name string) bool {
	t := r.Get(name)
	return t != nil && t.RequiresApproval()
}

// Preview generates the before/after diff for a registered write tool.
// Requests for unregistered names are a caller error, never silently ignored.
func (r *Registry) Preview(name string, args map[string]any) ([]action.PreviewField, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t.Preview(args), nil
}

// WriteToolsByCategory groups approval-requiring tools by category,
// tools sorted by name within each group.
func (r *Registry) WriteToolsByCategory() map[string][]Tool {
	grouped := make(map[string][]Tool)
	for _, t := range r.All() {
		if t.RequiresApproval() {
			grouped[t.Category()] = append(grouped[t.Category()], t)
		}
	}
	return grouped
}

// LLMDefinitions converts all registered tools into LLM tool definitions.
func (r *Registry) LLMDefinitions() []llm.ToolDefinition {
	all := r.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
