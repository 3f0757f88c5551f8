package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	liveArrow = "──→"
	deadArrow = "╌╌→"

	maxErrorWidth = 32
)

// statusTag returns a short ASCII indicator for a node status.
func statusTag(status string) string {
	switch status {
	case "success":
		return "[OK]"
	case "error":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as text for terminals. Each level is a
// row of boxes. Below a row, every edge leaving it is listed with its source
// handle; edges the run pruned are drawn dashed.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	out := outgoingEdges(model.Edges)

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if n := byID[id]; n != nil {
				boxes = append(boxes, makeBox(n))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 {
			renderLevelEdges(&b, level, out)
		}
	}
	return b.String()
}

// outgoingEdges groups edges by source. Edges from the virtual start node
// and into the virtual end node are implied by the layout and dropped.
func outgoingEdges(edges []Edge) map[string][]Edge {
	out := make(map[string][]Edge)
	for _, e := range edges {
		if e.From == startID || e.To == endID {
			continue
		}
		out[e.From] = append(out[e.From], e)
	}
	return out
}

// renderLevelEdges lists the edges leaving one level, then the connector to
// the next level.
func renderLevelEdges(b *strings.Builder, level []string, out map[string][]Edge) {
	var lines []string
	for _, id := range level {
		for _, e := range out[id] {
			lines = append(lines, edgeLine(e))
		}
	}
	for i, line := range lines {
		joint := "├"
		if i == len(lines)-1 {
			joint = "└"
		}
		fmt.Fprintf(b, "  %s─ %s\n", joint, line)
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

// edgeLine formats one edge as "source [handle] ──→ target".
func edgeLine(e Edge) string {
	arrow := liveArrow
	if e.Inactive {
		arrow = deadArrow
	}
	var sb strings.Builder
	sb.WriteString(e.From)
	if e.Label != "" {
		sb.WriteString(" [" + e.Label + "]")
	}
	sb.WriteString(" " + arrow + " " + e.To)
	if e.Inactive {
		sb.WriteString(" (inactive)")
	}
	return sb.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox draws a node. Virtual start and end nodes get rounded corners;
// the node type and the run overlay go under the name.
func makeBox(node *Node) asciiBox {
	name, detail, _ := strings.Cut(node.Label, "\n")
	content := []string{name}
	if detail != "" {
		content = append(content, detail)
	}
	if st := node.Status; st != nil {
		tag := statusTag(st.Status)
		if st.Attempts > 1 {
			tag = strings.TrimSpace(fmt.Sprintf("%s x%d", tag, st.Attempts))
		}
		if tag != "" {
			content = append(content, tag)
		}
		if st.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", st.DurationMs))
		}
		if st.SkipReason != "" {
			content = append(content, st.SkipReason)
		}
		if st.Error != "" {
			content = append(content, truncate(firstLine(st.Error), maxErrorWidth))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}

	tl, tr, bl, br := "┌", "┐", "└", "┘"
	if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
		tl, tr, bl, br = "╭", "╮", "╰", "╯"
	}
	rule := strings.Repeat("─", inner+2)

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, tl+rule+tr)
	for _, line := range content {
		pad := strings.Repeat(" ", inner-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+line+pad+" │")
	}
	lines = append(lines, bl+rule+br)
	return asciiBox{lines: lines, width: inner + 4}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// renderBoxRow writes boxes side by side, top aligned.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
