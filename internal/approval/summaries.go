package approval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/idhini/internal/tools"
)

// describeFuncs are the tool-specific one-line intent templates. Tools
// without an entry fall back to "Execute <tool>", so adding a new write
// tool without a bespoke template degrades gracefully.
var describeFuncs = map[string]func(args map[string]any) string{
	"create_issue": func(args map[string]any) string {
		s := "Create issue: " + str(args, "title")
		if p := num(args, "priority"); p > 0 {
			s += fmt.Sprintf(" (Priority: P%d)", p)
		}
		return s
	},
	"update_issue": func(args map[string]any) string {
		fields, _ := args["fields"].(map[string]any)
		return fmt.Sprintf("Update issue %s: %s", str(args, "id"), fieldSummary(fields))
	},
	"bulk_update_issues": func(args map[string]any) string {
		ids, _ := args["issue_ids"].([]any)
		return fmt.Sprintf("Update %d issues: %s = %v", len(ids), str(args, "field"), args["value"])
	},
	"create_pull_request": func(args map[string]any) string {
		return fmt.Sprintf("Open pull request: %s (%s, %s -> %s)",
			str(args, "title"), str(args, "repository"), str(args, "head"), str(args, "base"))
	},
	"add_issue_comment": func(args map[string]any) string {
		return fmt.Sprintf("Comment on %s#%d", str(args, "repository"), num(args, "number"))
	},
	"update_record": func(args map[string]any) string {
		return fmt.Sprintf("Update record %s[%s=%s]: %s -> %s",
			str(args, "table"), str(args, "key_column"), str(args, "key"),
			str(args, "column"), str(args, "value"))
	},
}

// Describe builds the one-line human-readable summary of a proposed action.
func Describe(toolName string, args map[string]any) string {
	if fn, ok := describeFuncs[toolName]; ok {
		return fn(args)
	}
	return "Execute " + toolName
}

// summarizeFuncs render the human result summary for a clean success.
var summarizeFuncs = map[string]func(o *tools.Outcome) string{
	"create_issue": func(o *tools.Outcome) string {
		return fmt.Sprintf("Created issue %v: %v", o.Data["identifier"], o.Data["title"])
	},
	"update_issue": func(o *tools.Outcome) string {
		return fmt.Sprintf("Updated issue %v (%v)", o.Data["identifier"], o.Data["fields"])
	},
	"bulk_update_issues": func(o *tools.Outcome) string {
		return fmt.Sprintf("Updated %v issues", o.Data["count"])
	},
	"create_pull_request": func(o *tools.Outcome) string {
		return fmt.Sprintf("Opened pull request #%v: %v", o.Data["number"], o.Data["title"])
	},
	"add_issue_comment": func(o *tools.Outcome) string {
		return fmt.Sprintf("Posted comment on %v#%v", o.Data["repository"], o.Data["number"])
	},
	"update_record": func(o *tools.Outcome) string {
		return fmt.Sprintf("Updated %v.%v", o.Data["table"], o.Data["column"])
	},
}

// partialNouns names the batch unit in partial-success summaries.
var partialNouns = map[string]string{
	"bulk_update_issues": "issues",
}

// Summarize renders the human result summary recorded on a succeeded
// proposal. Partial successes always disclose the split explicitly.
func Summarize(toolName string, o *tools.Outcome) string {
	if o.Kind == tools.OutcomePartial {
		noun := partialNouns[toolName]
		if noun == "" {
			noun = "items"
		}
		return fmt.Sprintf("Updated %d/%d %s (%d failed)", o.Succeeded, o.Succeeded+o.Failed, noun, o.Failed)
	}
	if fn, ok := summarizeFuncs[toolName]; ok {
		return fn(o)
	}
	if len(o.Data) > 0 {
		b, err := json.Marshal(o.Data)
		if err == nil {
			return string(b)
		}
	}
	if o.Output != "" {
		return o.Output
	}
	return "Done"
}

func str(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func num(args map[string]any, key string) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func fieldSummary(fields map[string]any) string {
	if len(fields) == 0 {
		return "no changes"
	}
	parts := make([]string, 0, len(fields))
	for name, v := range fields {
		parts = append(parts, fmt.Sprintf("%s = %v", name, v))
	}
	// Stable order for tests and audit readability.
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
