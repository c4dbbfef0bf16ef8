// Package sim is an in-process stand-in for a running cluster: simulated
// driver and worker processes creating, fetching and exchanging objects,
// with every tracking hook wired the way a real runtime would wire it.
// It powers the acceptance tests and the demo command.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ThomasGoatly/ray/internal/bus"
	"github.com/ThomasGoatly/ray/internal/callsite"
	"github.com/ThomasGoatly/ray/internal/cluster"
	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/object"
	"github.com/ThomasGoatly/ray/internal/process"
	"github.com/ThomasGoatly/ray/internal/refs"
)

const driverPID = 1000

// Config sizes the simulated cluster.
type Config struct {
	Nodes  int // number of nodes, default 1
	Logger *slog.Logger
	Bus    *bus.Bus // optional lifecycle event sink
}

// Cluster hosts simulated nodes and processes over the same registry and
// aggregator a real deployment would use. The driver is attached to the
// first node; workers attach lazily when tasks or actors need them.
type Cluster struct {
	registry *cluster.Registry
	agg      *memstat.Aggregator
	logger   *slog.Logger

	payloads *payloadTable

	mu          sync.Mutex
	driver      *Proc
	taskWorkers map[string]*Proc // one reusable task worker per node
	nextPID     atomic.Int64
}

// NewCluster builds a cluster with cfg.Nodes nodes (named node-1..node-N)
// and a driver process on node-1.
func NewCluster(cfg Config) (*Cluster, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nodes := cfg.Nodes
	if nodes <= 0 {
		nodes = 1
	}

	registry := cluster.NewRegistry(cfg.Bus, logger)
	for i := 1; i <= nodes; i++ {
		if _, err := registry.AddNode(fmt.Sprintf("node-%d", i)); err != nil {
			return nil, err
		}
	}

	// Report caching is disabled: every summary in a simulation must see
	// the current tracker state.
	agg, err := memstat.NewAggregator(registry.Membership(), memstat.Options{
		Logger: logger,
		Bus:    cfg.Bus,
	})
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		registry:    registry,
		agg:         agg,
		logger:      logger.With("component", "sim"),
		payloads:    newPayloadTable(),
		taskWorkers: make(map[string]*Proc),
	}
	c.nextPID.Store(driverPID)

	proc, err := registry.Attach(driverPID, process.RoleDriver, "node-1")
	if err != nil {
		return nil, err
	}
	c.driver = &Proc{c: c, proc: proc}
	return c, nil
}

// Driver returns the cluster's driver process.
func (c *Cluster) Driver() *Proc {
	return c.driver
}

// Registry exposes the underlying membership registry.
func (c *Cluster) Registry() *cluster.Registry {
	return c.registry
}

// Report collects a structured report of the current cluster state.
func (c *Cluster) Report(ctx context.Context) (*memstat.ClusterReport, error) {
	return c.agg.Collect(ctx)
}

// Summary collects and renders the textual memory summary.
func (c *Cluster) Summary(ctx context.Context) (string, error) {
	report, err := c.agg.Collect(ctx)
	if err != nil {
		return "", err
	}
	return memstat.RenderText(report, memstat.RenderOptions{}), nil
}

func (c *Cluster) allocPID() int {
	return int(c.nextPID.Add(1))
}

// taskWorkerFor returns the node's reusable task worker, attaching it on
// first use so idle nodes never show phantom worker sections.
func (c *Cluster) taskWorkerFor(nodeID string) (*Proc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.taskWorkers[nodeID]; ok {
		return w, nil
	}
	w, err := c.attachWorker(nodeID)
	if err != nil {
		return nil, err
	}
	c.taskWorkers[nodeID] = w
	return w, nil
}

func (c *Cluster) attachWorker(nodeID string) (*Proc, error) {
	proc, err := c.registry.Attach(c.allocPID(), process.RoleWorker, nodeID)
	if err != nil {
		return nil, fmt.Errorf("attach worker on %s: %w", nodeID, err)
	}
	return &Proc{c: c, proc: proc}, nil
}

func (c *Cluster) detachWorker(w *Proc) {
	if err := c.registry.Detach(w.PID()); err != nil {
		c.logger.Warn("detach worker", "pid", w.PID(), "error", err)
	}
}

// payloadTable is the simulated store content: the byte length of every
// payload that exists somewhere in the cluster. Transfer between nodes is
// free in the simulation, so one table serves all stores.
type payloadTable struct {
	mu    sync.RWMutex
	sizes map[object.ID]int64
}

func newPayloadTable() *payloadTable {
	return &payloadTable{sizes: make(map[object.ID]int64)}
}

func (t *payloadTable) store(id object.ID, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sizes[id] = size
}

// SizeOf implements object.SizeResolver over the table.
func (t *payloadTable) SizeOf(id object.ID) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size, ok := t.sizes[id]
	return size, ok
}

// Proc is one simulated process: the driver, a task worker, or an actor's
// worker.
type Proc struct {
	c    *Cluster
	proc *process.Process
}

// PID returns the process id.
func (p *Proc) PID() int {
	return p.proc.Descriptor().PID
}

// NodeID returns the node the process runs on.
func (p *Proc) NodeID() string {
	return p.proc.Descriptor().NodeID
}

func (p *Proc) node() *cluster.Node {
	n, _ := p.c.registry.Node(p.proc.Descriptor().NodeID)
	return n
}

// Put stores a payload of the given size and returns the owning handle.
func (p *Proc) Put(size int64) *ObjectRef {
	return p.put(size, callsite.KindPut, callsite.CallerQualifier(1))
}

// PutContainer stores a payload that captures the given children, the way
// a stored collection of handles does. The children stay alive as long as
// the container's row does.
func (p *Proc) PutContainer(size int64, children ...*ObjectRef) *ObjectRef {
	ref := p.put(size, callsite.KindPut, callsite.CallerQualifier(1))
	ids := make([]object.ID, len(children))
	for i, child := range children {
		ids[i] = child.id
	}
	p.proc.AddContained(ref.id, ids...)
	return ref
}

func (p *Proc) put(size int64, kind callsite.Kind, qualifier string) *ObjectRef {
	id := object.New()
	p.c.payloads.store(id, size)
	p.proc.Register(id, refs.LocalReference)
	p.proc.RecordCallSite(id, kind, qualifier)
	p.proc.ResolveSize(id, size)
	return &ObjectRef{id: id, owner: p}
}

// Get materializes the payload into process memory. The returned buffer
// holds a pin until released.
func (p *Proc) Get(ref *ObjectRef) (*Buffer, error) {
	size, ok := p.c.payloads.SizeOf(ref.id)
	if !ok {
		return nil, fmt.Errorf("object %s not available", ref.id.Hex())
	}
	p.node().Store().Pin(ref.id, p.PID(), size)
	p.proc.Pin(ref.id)
	return &Buffer{id: ref.id, holder: p, size: size}, nil
}

// ObjectRef is a process-held handle on a stored object.
type ObjectRef struct {
	id      object.ID
	owner   *Proc
	dropped atomic.Bool
}

// ID returns the object id the handle refers to.
func (r *ObjectRef) ID() object.ID {
	return r.id
}

// Drop releases the handle. Dropping twice is a no-op.
func (r *ObjectRef) Drop() {
	if !r.dropped.CompareAndSwap(false, true) {
		return
	}
	r.owner.proc.Unregister(r.id, refs.LocalReference)
}

// Buffer is a materialized payload held in process memory.
type Buffer struct {
	id       object.ID
	holder   *Proc
	size     int64
	released atomic.Bool
}

// Size returns the payload length in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

// Release drops the buffer's pin. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.holder.proc.Unpin(b.id)
	b.holder.node().Store().Unpin(b.id, b.holder.PID())
}
