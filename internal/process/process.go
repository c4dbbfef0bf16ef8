// Package process composes the reference tracker, call-site recorder and
// store size resolution into the per-process stats provider that the
// cluster aggregator queries.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThomasGoatly/ray/internal/bus"
	"github.com/ThomasGoatly/ray/internal/callsite"
	"github.com/ThomasGoatly/ray/internal/object"
	"github.com/ThomasGoatly/ray/internal/refs"
)

// Role of a process within the cluster.
type Role uint8

const (
	RoleDriver Role = iota
	RoleWorker
)

func (r Role) String() string {
	if r == RoleDriver {
		return "driver"
	}
	return "worker"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "driver":
		*r = RoleDriver
	case "worker":
		*r = RoleWorker
	default:
		return fmt.Errorf("unknown process role %q", b)
	}
	return nil
}

// Descriptor identifies a process within the cluster.
type Descriptor struct {
	PID    int    `json:"pid"`
	Role   Role   `json:"role"`
	NodeID string `json:"node_id"`
}

// ObjectStat is one object's merged view at snapshot time.
type ObjectStat struct {
	ID        object.ID
	Seq       uint64
	Reasons   refs.Set
	Pinned    bool
	SizeBytes int64
	Site      callsite.Site
	HasSite   bool
}

// Snapshot is a process's report fragment. Objects are in
// first-registration order and never change after the snapshot returns.
type Snapshot struct {
	Process Descriptor
	Objects []ObjectStat
	TakenAt time.Time
}

// Config carries the collaborators a Process needs.
type Config struct {
	Descriptor Descriptor
	Resolver   object.SizeResolver // payload length source, usually the node store; may be nil
	Bus        *bus.Bus            // lifecycle event sink; may be nil
	Logger     *slog.Logger
}

// Process owns one process's tracker state. All methods are safe for
// concurrent use.
type Process struct {
	desc     Descriptor
	refs     *refs.Tracker
	sites    *callsite.Recorder
	resolver object.SizeResolver
	bus      *bus.Bus
}

// New returns a Process with empty tracker state.
func New(cfg Config) *Process {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pid", cfg.Descriptor.PID, "role", cfg.Descriptor.Role.String())
	return &Process{
		desc:     cfg.Descriptor,
		refs:     refs.NewTracker(logger),
		sites:    callsite.NewRecorder(),
		resolver: cfg.Resolver,
		bus:      cfg.Bus,
	}
}

// Descriptor returns the process identity.
func (p *Process) Descriptor() Descriptor {
	return p.desc
}

// Register adds reason for the object in this process. Returns true when
// this call created the object's row.
func (p *Process) Register(id object.ID, reason refs.Reason) bool {
	created := p.refs.Register(id, reason)
	if created {
		p.publish(bus.TopicObjectRegistered, bus.ObjectEvent{
			ObjectID: id.Hex(),
			PID:      p.desc.PID,
			NodeID:   p.desc.NodeID,
			Reason:   reason.Label(),
		})
	}
	return created
}

// Unregister drops reason for the object. Returns the IDs of every row
// removed as a result, the object itself first, then any captured children
// released by the cascade.
func (p *Process) Unregister(id object.ID, reason refs.Reason) []object.ID {
	removed := p.refs.Unregister(id, reason)
	p.finishRemoval(removed)
	return removed
}

// Pin marks the object's payload as materialized in process memory.
func (p *Process) Pin(id object.ID) {
	p.refs.Pin(id)
	size := object.SizeUnknown
	if p.resolver != nil {
		if s, ok := p.resolver.SizeOf(id); ok {
			size = s
		}
	}
	p.publish(bus.TopicObjectPinned, bus.PinEvent{
		ObjectID:  id.Hex(),
		PID:       p.desc.PID,
		NodeID:    p.desc.NodeID,
		SizeBytes: size,
	})
}

// Unpin releases one materialization. Returns the IDs of rows removed by
// the garbage-collection cross-check.
func (p *Process) Unpin(id object.ID) []object.ID {
	removed := p.refs.Unpin(id)
	p.publish(bus.TopicObjectUnpinned, bus.PinEvent{
		ObjectID:  id.Hex(),
		PID:       p.desc.PID,
		NodeID:    p.desc.NodeID,
		SizeBytes: object.SizeUnknown,
	})
	p.finishRemoval(removed)
	return removed
}

// AddContained records that parent's payload captures the given children.
// Returns the IDs of children whose rows were created by this call.
func (p *Process) AddContained(parent object.ID, children ...object.ID) []object.ID {
	created := p.refs.AddContained(parent, children...)
	for _, cid := range created {
		p.publish(bus.TopicObjectRegistered, bus.ObjectEvent{
			ObjectID: cid.Hex(),
			PID:      p.desc.PID,
			NodeID:   p.desc.NodeID,
			Reason:   refs.CapturedInObject.Label(),
		})
	}
	return created
}

// RecordCallSite attaches the creation site to the object. The first
// record wins; later calls are ignored and return false.
func (p *Process) RecordCallSite(id object.ID, kind callsite.Kind, qualifier string) bool {
	return p.sites.Record(id, kind, qualifier)
}

// ResolveSize records the payload's byte length once known.
func (p *Process) ResolveSize(id object.ID, size int64) bool {
	return p.refs.ResolveSize(id, size)
}

// Len returns the number of objects currently tracked.
func (p *Process) Len() int {
	return p.refs.Len()
}

// Snapshot captures the process's current object table. Unknown sizes are
// re-resolved through the store resolver at capture time; resolved values
// are written back so later snapshots start known. The result is immutable.
func (p *Process) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	rows := p.refs.Snapshot()
	objects := make([]ObjectStat, 0, len(rows))
	for _, row := range rows {
		size := row.SizeBytes
		if size == object.SizeUnknown && p.resolver != nil {
			if resolved, ok := p.resolver.SizeOf(row.ID); ok {
				p.refs.ResolveSize(row.ID, resolved)
				size = resolved
			}
		}
		site, hasSite := p.sites.Lookup(row.ID)
		objects = append(objects, ObjectStat{
			ID:        row.ID,
			Seq:       row.Seq,
			Reasons:   row.Reasons,
			Pinned:    row.Pinned,
			SizeBytes: size,
			Site:      site,
			HasSite:   hasSite,
		})
	}
	return Snapshot{
		Process: p.desc,
		Objects: objects,
		TakenAt: time.Now(),
	}, nil
}

func (p *Process) finishRemoval(removed []object.ID) {
	for _, rid := range removed {
		p.sites.Forget(rid)
		p.publish(bus.TopicObjectReleased, bus.ObjectEvent{
			ObjectID: rid.Hex(),
			PID:      p.desc.PID,
			NodeID:   p.desc.NodeID,
		})
	}
}

func (p *Process) publish(topic string, payload interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(topic, payload)
}
