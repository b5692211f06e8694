package tools

import (
	"sort"
	"strings"
)

// CapabilityPrompt renders the system-prompt section describing what the
// assistant can and cannot do, generated from the registry so the model's
// self-description never drifts from the actual catalog. A model that
// believes it can do something not in the registry will either hallucinate
// an invocation or make false promises in prose.
func CapabilityPrompt(r *Registry) string {
	var sb strings.Builder

	sb.WriteString("## Your capabilities\n\n")
	sb.WriteString("You can look things up directly. Any action that changes external state\n")
	sb.WriteString("is only *proposed*: a human must approve it before it runs. After proposing\n")
	sb.WriteString("an action, tell the user it is awaiting their approval — never claim it\n")
	sb.WriteString("has already been performed.\n")

	grouped := r.WriteToolsByCategory()
	if len(grouped) > 0 {
		categories := make([]string, 0, len(grouped))
		for c := range grouped {
			categories = append(categories, c)
		}
		sort.Strings(categories)

		sb.WriteString("\n### Actions requiring approval\n")
		for _, category := range categories {
			sb.WriteString("\n**" + category + "**\n")
			for _, t := range grouped[category] {
				sb.WriteString("- `" + t.Name() + "` — " + t.Description())
				if t.Destructive() {
					sb.WriteString(" (destructive)")
				}
				sb.WriteString("\n")
			}
		}
	}

	var reads []Tool
	for _, t := range r.All() {
		if !t.RequiresApproval() {
			reads = append(reads, t)
		}
	}
	if len(reads) > 0 {
		sb.WriteString("\n### Read-only lookups (run immediately)\n")
		for _, t := range reads {
			sb.WriteString("- `" + t.Name() + "` — " + t.Description() + "\n")
		}
	}

	return sb.String()
}
