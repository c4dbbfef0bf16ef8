// Package memstat assembles cluster-wide memory reports. It gathers
// per-process snapshots through the membership view, merges them into a
// structured ClusterReport, and renders the operator-facing text form.
package memstat

import (
	"time"

	"github.com/ThomasGoatly/ray/internal/process"
)

// ObjectRow is one object as seen by one process. Reasons carries the
// complete reason set; Pinned is the orthogonal materialization flag the
// textual renderer folds in.
type ObjectRow struct {
	ObjectID  string   `json:"object_id"`
	SizeBytes int64    `json:"size_bytes"` // -1 until the store resolves the payload
	Pinned    bool     `json:"pinned"`
	Reasons   []string `json:"reasons"`
	Qualifier string   `json:"qualifier"` // "" when no call site was recorded
	CallKind  string   `json:"call_kind"` // snake token, "" when no call site was recorded
}

// SizeKnown reports whether the payload length has been resolved.
func (o ObjectRow) SizeKnown() bool {
	return o.SizeBytes >= 0
}

// ProcessReport is one process's fragment of the report. An unreachable
// process keeps its identity but carries no rows.
type ProcessReport struct {
	PID       int          `json:"pid"`
	Role      process.Role `json:"role"`
	Reachable bool         `json:"reachable"`
	Error     string       `json:"error,omitempty"`
	Objects   []ObjectRow  `json:"objects"`
}

// NodeReport groups a node's store totals with its process fragments,
// drivers first.
type NodeReport struct {
	NodeID     string          `json:"node_id"`
	StoreCount int             `json:"store_objects"`
	StoreBytes int64           `json:"store_bytes"`
	Processes  []ProcessReport `json:"processes"`
}

// ClusterReport is the full structured report.
type ClusterReport struct {
	ID          string       `json:"report_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	ElapsedMS   int64        `json:"elapsed_ms"`
	Nodes       []NodeReport `json:"nodes"`
	Warnings    []string     `json:"warnings,omitempty"`
}

// NumObjects returns the total number of object rows across all processes.
func (r *ClusterReport) NumObjects() int {
	n := 0
	for _, node := range r.Nodes {
		for _, proc := range node.Processes {
			n += len(proc.Objects)
		}
	}
	return n
}

// NumProcesses returns the number of processes listed, reachable or not.
func (r *ClusterReport) NumProcesses() int {
	n := 0
	for _, node := range r.Nodes {
		n += len(node.Processes)
	}
	return n
}

// NumUnreachable returns the number of processes that did not answer.
func (r *ClusterReport) NumUnreachable() int {
	n := 0
	for _, node := range r.Nodes {
		for _, proc := range node.Processes {
			if !proc.Reachable {
				n++
			}
		}
	}
	return n
}

// PinnedBytes returns the total known bytes pinned across all node stores.
func (r *ClusterReport) PinnedBytes() int64 {
	var b int64
	for _, node := range r.Nodes {
		b += node.StoreBytes
	}
	return b
}
