// Package cluster tracks the nodes and processes that make up a running
// cluster. Each node owns one object store pin tracker; each process owns
// its reference tracker. The registry is the membership source for the
// report aggregator.
package cluster

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThomasGoatly/ray/internal/bus"
	"github.com/ThomasGoatly/ray/internal/objectstore"
	"github.com/ThomasGoatly/ray/internal/process"
)

// Node is one machine in the cluster: an object store plus the processes
// running on it.
type Node struct {
	id    string
	store *objectstore.PinTracker

	mu        sync.RWMutex
	processes []*process.Process // attach order
}

// ID returns the node identifier.
func (n *Node) ID() string {
	return n.id
}

// Store returns the node's pin tracker.
func (n *Node) Store() *objectstore.PinTracker {
	return n.store
}

// StoreStats returns the number of pinned payloads and their total known
// bytes.
func (n *Node) StoreStats() (count int, bytes int64) {
	return n.store.Stats()
}

// Processes returns the node's attached processes, drivers first, then
// workers in attach order.
func (n *Node) Processes() []*process.Process {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*process.Process, 0, len(n.processes))
	for _, p := range n.processes {
		if p.Descriptor().Role == process.RoleDriver {
			out = append(out, p)
		}
	}
	for _, p := range n.processes {
		if p.Descriptor().Role == process.RoleWorker {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) removeProcess(pid int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, p := range n.processes {
		if p.Descriptor().PID == pid {
			n.processes = append(n.processes[:i], n.processes[i+1:]...)
			return
		}
	}
}

// Registry manages cluster membership. All methods are safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // node registration order
	byPID map[int]*process.Process

	bus    *bus.Bus
	logger *slog.Logger
}

// NewRegistry creates an empty Registry. Processes attached through it
// publish lifecycle events on b when b is non-nil.
func NewRegistry(b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]*Node),
		byPID:  make(map[int]*process.Process),
		bus:    b,
		logger: logger.With("component", "cluster"),
	}
}

// AddNode registers a new node with an empty object store.
func (r *Registry) AddNode(nodeID string) (*Node, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id must be non-empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[nodeID]; exists {
		return nil, fmt.Errorf("node %q already exists", nodeID)
	}
	n := &Node{
		id:    nodeID,
		store: objectstore.NewPinTracker(r.logger.With("node_id", nodeID)),
	}
	r.nodes[nodeID] = n
	r.order = append(r.order, nodeID)
	r.logger.Info("node added", "node_id", nodeID)
	return n, nil
}

// RemoveNode drops a node and every process attached to it.
func (r *Registry) RemoveNode(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %q not found", nodeID)
	}
	delete(r.nodes, nodeID)
	for i, id := range r.order {
		if id == nodeID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	node.mu.Lock()
	for _, p := range node.processes {
		delete(r.byPID, p.Descriptor().PID)
	}
	node.processes = nil
	node.mu.Unlock()
	r.logger.Info("node removed", "node_id", nodeID)
	return nil
}

// Attach creates a process on the given node, wired to the node's store
// for size resolution. PIDs are unique cluster-wide.
func (r *Registry) Attach(pid int, role process.Role, nodeID string) (*process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %q not found", nodeID)
	}
	if _, dup := r.byPID[pid]; dup {
		return nil, fmt.Errorf("pid %d already attached", pid)
	}
	proc := process.New(process.Config{
		Descriptor: process.Descriptor{PID: pid, Role: role, NodeID: nodeID},
		Resolver:   node.store,
		Bus:        r.bus,
		Logger:     r.logger,
	})
	node.mu.Lock()
	node.processes = append(node.processes, proc)
	node.mu.Unlock()
	r.byPID[pid] = proc
	r.logger.Info("process attached", "pid", pid, "role", role.String(), "node_id", nodeID)
	return proc, nil
}

// Detach removes a process from the cluster. Its tracker state dies with
// it; the next report simply no longer sees the process.
func (r *Registry) Detach(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.byPID[pid]
	if !ok {
		return fmt.Errorf("pid %d not attached", pid)
	}
	delete(r.byPID, pid)
	if node, ok := r.nodes[proc.Descriptor().NodeID]; ok {
		node.removeProcess(pid)
	}
	r.logger.Info("process detached", "pid", pid)
	return nil
}

// Node returns a node by ID.
func (r *Registry) Node(nodeID string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	return n, ok
}

// Process returns an attached process by pid.
func (r *Registry) Process(pid int) (*process.Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byPID[pid]
	return p, ok
}

// Nodes returns all nodes in registration order.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// Driver returns the first attached driver process in node order.
func (r *Registry) Driver() (*process.Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		for _, p := range r.nodes[id].Processes() {
			if p.Descriptor().Role == process.RoleDriver {
				return p, true
			}
		}
	}
	return nil, false
}

// NodeCount returns the number of registered nodes.
func (r *Registry) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// ProcessCount returns the number of attached processes.
func (r *Registry) ProcessCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPID)
}
