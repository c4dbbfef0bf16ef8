package memstat

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ThomasGoatly/ray/internal/callsite"
)

// Tokens fixed by the textual contract. Downstream consumers recover
// facts by substring counting over the rendered text, so each of these is
// load-bearing and none may leak into lines it does not belong to.
const (
	pinnedLabel       = "PINNED_IN_MEMORY"
	localRefLabel     = "LOCAL_REFERENCE"
	noSitePlaceholder = "(unknown)"
)

// DisplayReasons returns the labels the textual report shows for the row.
// Pin state displaces LOCAL_REFERENCE: a pinned row renders
// PINNED_IN_MEMORY plus any non-local reasons.
func (o ObjectRow) DisplayReasons() []string {
	if !o.Pinned {
		return o.Reasons
	}
	out := make([]string, 0, len(o.Reasons)+1)
	out = append(out, pinnedLabel)
	for _, r := range o.Reasons {
		if r != localRefLabel {
			out = append(out, r)
		}
	}
	return out
}

// RenderOptions tunes the textual rendering.
type RenderOptions struct {
	MaxRowsPerProcess int // 0 = unlimited
}

// RenderText renders the report in the line-oriented diagnostic format.
// Every line is either empty, a marker line containing "---", "===",
// "Object ID" or "pid=", or exactly one object row.
func RenderText(r *ClusterReport, opts RenderOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, "======== Cluster memory summary: %s ========\n",
		r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "--- report %s; %d objects; %d processes; %s pinned in store; collected in %dms ---\n",
		r.ID, r.NumObjects(), r.NumProcesses(), humanize.Bytes(uint64(r.PinnedBytes())), r.ElapsedMS)

	for _, node := range r.Nodes {
		b.WriteString("\n")
		fmt.Fprintf(&b, "--- Node %s: %d objects pinned in store, %s ---\n",
			node.NodeID, node.StoreCount, humanize.Bytes(uint64(node.StoreBytes)))
		for _, proc := range node.Processes {
			renderProcess(&b, proc, opts.MaxRowsPerProcess)
		}
	}

	if len(r.Warnings) > 0 {
		b.WriteString("\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "--- warning: %s ---\n", w)
		}
	}
	return b.String()
}

func renderProcess(b *strings.Builder, proc ProcessReport, maxRows int) {
	if !proc.Reachable {
		fmt.Fprintf(b, "--- %s pid=%d; unreachable: %s ---\n", proc.Role, proc.PID, proc.Error)
		return
	}
	fmt.Fprintf(b, "--- %s pid=%d; %d object(s) ---\n", proc.Role, proc.PID, len(proc.Objects))
	if len(proc.Objects) == 0 {
		return
	}
	fmt.Fprintf(b, "%-34s%-12s%-40s%s\n", "Object ID", "Size", "Reference Type", "Call Site")

	rows := proc.Objects
	truncated := 0
	if maxRows > 0 && len(rows) > maxRows {
		truncated = len(rows) - maxRows
		rows = rows[:maxRows]
	}
	for _, row := range rows {
		b.WriteString(renderRow(row))
		b.WriteString("\n")
	}
	if truncated > 0 {
		fmt.Fprintf(b, "--- truncated %d row(s) ---\n", truncated)
	}
}

func renderRow(row ObjectRow) string {
	// The unknown-size marker must surface as " ? ": the object ID column
	// pads with spaces before it and the size column pads after it.
	size := "?"
	if row.SizeKnown() {
		size = humanize.Bytes(uint64(row.SizeBytes))
	}
	reasons := strings.Join(row.DisplayReasons(), ", ")
	site := noSitePlaceholder
	if row.CallKind != "" || row.Qualifier != "" {
		kind, err := callsite.KindFromString(row.CallKind)
		label := kind.Label()
		if err != nil {
			label = noSitePlaceholder
		}
		site = strings.TrimSpace(row.Qualifier + " " + label)
	}
	return fmt.Sprintf("%-34s%-12s%-40s%s", row.ObjectID, size, reasons, site)
}

// DataLines returns the object rows of a rendered report, dropping empty
// lines, separators, column headers and process markers.
func DataLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" || strings.Contains(line, "---") || strings.Contains(line, "===") ||
			strings.Contains(line, "Object ID") || strings.Contains(line, "pid=") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// NumObjects counts the object rows in a rendered report.
func NumObjects(text string) int {
	return len(DataLines(text))
}

// CountLines returns the number of lines containing substr.
func CountLines(text, substr string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}
