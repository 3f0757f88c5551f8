package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Inactive {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s %s%s %s\n",
			mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To)))
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef error fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindTrigger:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindInput:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindOutput:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps a node status to a Mermaid class name. Idle nodes
// keep the default style.
func mermaidStatusClass(status string) string {
	switch status {
	case "success", "error", "running", "pending", "skipped":
		return status
	default:
		return ""
	}
}
