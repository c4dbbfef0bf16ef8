// Package refs implements the per-process reference tracker: for every
// object known to a process, the set of reasons it is retained, its
// process-local pin count, and the containment edges that drive release
// cascades.
package refs

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ThomasGoatly/ray/internal/object"
)

// Reason classifies why a process retains an object. Reasons form a set;
// an object commonly holds several at once.
type Reason uint8

const (
	// LocalReference marks a live handle in user-visible process state.
	LocalReference Reason = 1 << iota
	// UsedByPendingTask marks an argument or dependency of a task or actor
	// call that has not completed.
	UsedByPendingTask
	// CapturedInObject marks an ID nested inside the payload of another
	// stored object.
	CapturedInObject
)

// Label returns the report label for the reason.
func (r Reason) Label() string {
	switch r {
	case LocalReference:
		return "LOCAL_REFERENCE"
	case UsedByPendingTask:
		return "USED_BY_PENDING_TASK"
	case CapturedInObject:
		return "CAPTURED_IN_OBJECT"
	default:
		return "INVALID_REASON"
	}
}

func (r Reason) String() string { return r.Label() }

func (r Reason) valid() bool {
	switch r {
	case LocalReference, UsedByPendingTask, CapturedInObject:
		return true
	}
	return false
}

// Set is a bit set of reasons.
type Set uint8

// Has reports whether r is in the set.
func (s Set) Has(r Reason) bool { return s&Set(r) != 0 }

// Empty reports whether no reason holds.
func (s Set) Empty() bool { return s == 0 }

// Labels returns the labels of all held reasons in declaration order.
func (s Set) Labels() []string {
	var out []string
	for _, r := range []Reason{LocalReference, UsedByPendingTask, CapturedInObject} {
		if s.Has(r) {
			out = append(out, r.Label())
		}
	}
	return out
}

// Row is one immutable snapshot row.
type Row struct {
	ID        object.ID
	Seq       uint64
	Reasons   Set
	Pinned    bool
	SizeBytes int64
	Contains  []object.ID
}

type entry struct {
	seq      uint64
	reasons  Set
	pins     int
	size     int64
	contains []object.ID
}

const numShards = 32

type shard struct {
	mu      sync.Mutex
	entries map[object.ID]*entry
}

// Tracker is the per-process reference tracker. All methods are safe for
// concurrent use; mutations are short critical sections on one of a fixed
// number of shards, never a tracker-wide lock.
type Tracker struct {
	logger *slog.Logger
	seq    atomic.Uint64
	shards [numShards]shard
}

// NewTracker returns an empty Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{logger: logger}
	for i := range t.shards {
		t.shards[i].entries = make(map[object.ID]*entry)
	}
	return t
}

func (t *Tracker) shardFor(id object.ID) *shard {
	return &t.shards[id[0]&(numShards-1)]
}

// Register adds reason to the object's reason set, creating the entry on
// first sight. Idempotent per reason. Returns true when the entry was
// created by this call.
func (t *Tracker) Register(id object.ID, reason Reason) bool {
	if !reason.valid() {
		t.logger.Warn("register with invalid reason", "object_id", id.Hex(), "reason", uint8(reason))
		return false
	}
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		e = &entry{seq: t.seq.Add(1), size: object.SizeUnknown}
		sh.entries[id] = e
	}
	e.reasons |= Set(reason)
	return !ok
}

// Unregister removes reason from the object's reason set. When the set
// empties and the process holds no pin, the entry is deleted and its
// containment captures are released, cascading. Returns the IDs of every
// entry removed by this call, starting with id itself.
//
// Removing a reason that was never registered is an accounting bug in the
// caller: it is logged and clamped, never fatal.
func (t *Tracker) Unregister(id object.ID, reason Reason) []object.ID {
	if !reason.valid() {
		t.logger.Warn("unregister with invalid reason", "object_id", id.Hex(), "reason", uint8(reason))
		return nil
	}
	sh := t.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		sh.mu.Unlock()
		t.logger.Warn("unregister on unknown object", "object_id", id.Hex(), "reason", reason.Label())
		return nil
	}
	if !e.reasons.Has(reason) {
		sh.mu.Unlock()
		t.logger.Warn("unregister of reason never registered", "object_id", id.Hex(), "reason", reason.Label())
		return nil
	}
	e.reasons &^= Set(reason)
	var cascade []object.ID
	var removed []object.ID
	if e.reasons.Empty() && e.pins == 0 {
		delete(sh.entries, id)
		removed = append(removed, id)
		cascade = e.contains
	}
	sh.mu.Unlock()

	for _, child := range cascade {
		removed = append(removed, t.Unregister(child, CapturedInObject)...)
	}
	return removed
}

// Pin increments the process-local pin count, creating the entry on first
// sight (a payload can be materialized before any reason is registered,
// e.g. while deserializing a task argument). Returns true when the entry
// was created by this call.
func (t *Tracker) Pin(id object.ID) bool {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		e = &entry{seq: t.seq.Add(1), size: object.SizeUnknown}
		sh.entries[id] = e
	}
	e.pins++
	return !ok
}

// Unpin decrements the pin count and performs the garbage-collection
// cross-check: an entry with no reasons and no pins is deleted, cascading
// like Unregister. Returns the IDs of every removed entry.
func (t *Tracker) Unpin(id object.ID) []object.ID {
	sh := t.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		sh.mu.Unlock()
		t.logger.Warn("unpin on unknown object", "object_id", id.Hex())
		return nil
	}
	if e.pins == 0 {
		sh.mu.Unlock()
		t.logger.Warn("unpin without matching pin", "object_id", id.Hex())
		return nil
	}
	e.pins--
	var cascade []object.ID
	var removed []object.ID
	if e.pins == 0 && e.reasons.Empty() {
		delete(sh.entries, id)
		removed = append(removed, id)
		cascade = e.contains
	}
	sh.mu.Unlock()

	for _, child := range cascade {
		removed = append(removed, t.Unregister(child, CapturedInObject)...)
	}
	return removed
}

// AddContained records that the payload stored under parent captures the
// given children. Each child gains CapturedInObject; the capture is
// released when the parent entry is removed. Returns the IDs of children
// whose entries were created by this call.
func (t *Tracker) AddContained(parent object.ID, children ...object.ID) []object.ID {
	var created []object.ID
	for _, child := range children {
		if t.Register(child, CapturedInObject) {
			created = append(created, child)
		}
	}

	sh := t.shardFor(parent)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[parent]
	if !ok {
		t.logger.Warn("contained children on unknown parent", "object_id", parent.Hex())
		return created
	}
	e.contains = append(e.contains, children...)
	return created
}

// ResolveSize records the payload's byte length once known. Sizes never
// move back to unknown, and the first resolved value wins. Returns true
// when the entry's size transitioned from unknown to known.
func (t *Tracker) ResolveSize(id object.ID, size int64) bool {
	if size < 0 {
		return false
	}
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok || e.size >= 0 {
		return false
	}
	e.size = size
	return true
}

// Lookup returns a copy of the current row for id.
func (t *Tracker) Lookup(id object.ID) (Row, bool) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return Row{}, false
	}
	return e.row(id), true
}

// Snapshot returns an immutable copy of all rows in first-registration
// order. Shards are locked one at a time, so the copy is point-in-time per
// shard, not across the whole tracker.
func (t *Tracker) Snapshot() []Row {
	var rows []Row
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			rows = append(rows, e.row(id))
		}
		sh.mu.Unlock()
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	return rows
}

// Len returns the number of live entries.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (e *entry) row(id object.ID) Row {
	r := Row{
		ID:        id,
		Seq:       e.seq,
		Reasons:   e.reasons,
		Pinned:    e.pins > 0,
		SizeBytes: e.size,
	}
	if len(e.contains) > 0 {
		r.Contains = append([]object.ID(nil), e.contains...)
	}
	return r
}
