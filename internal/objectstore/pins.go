// Package objectstore tracks which object payloads are currently resident
// (pinned) in one node's shared store, and what their resolved sizes are.
package objectstore

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ThomasGoatly/ray/internal/object"
)

// Pin is one snapshot entry: a resident payload, its size if resolved, and
// the processes holding it.
type Pin struct {
	ID        object.ID
	SizeBytes int64
	PIDs      []int
}

type pinEntry struct {
	size int64
	pids map[int]int
}

// PinTracker is the per-node record of resident payloads. Safe for
// concurrent use by every process colocated with the store.
type PinTracker struct {
	logger *slog.Logger
	mu     sync.Mutex
	pins   map[object.ID]*pinEntry
}

// NewPinTracker returns an empty PinTracker.
func NewPinTracker(logger *slog.Logger) *PinTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PinTracker{
		logger: logger,
		pins:   make(map[object.ID]*pinEntry),
	}
}

// Pin marks the payload resident on behalf of pid. Pins stack: each call
// needs a matching Unpin. A known size resolves an unknown one on the way
// through; negative sizes mean unknown.
func (p *PinTracker) Pin(id object.ID, pid int, size int64) {
	if size < 0 {
		size = object.SizeUnknown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.pins[id]
	if !ok {
		e = &pinEntry{size: object.SizeUnknown, pids: make(map[int]int)}
		p.pins[id] = e
	}
	if e.size < 0 && size >= 0 {
		e.size = size
	}
	e.pids[pid]++
}

// Unpin drops one pin held by pid. Returns true when the payload is no
// longer pinned by any process and the entry was removed.
func (p *PinTracker) Unpin(id object.ID, pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.pins[id]
	if !ok {
		p.logger.Warn("unpin on object not pinned", "object_id", id.Hex(), "pid", pid)
		return false
	}
	if e.pids[pid] == 0 {
		p.logger.Warn("unpin by process holding no pin", "object_id", id.Hex(), "pid", pid)
		return false
	}
	e.pids[pid]--
	if e.pids[pid] == 0 {
		delete(e.pids, pid)
	}
	if len(e.pids) == 0 {
		delete(p.pins, id)
		return true
	}
	return false
}

// ResolveSize records the payload's byte length once known. Unknown to
// known only; the first resolved value wins. Returns true on transition.
func (p *PinTracker) ResolveSize(id object.ID, size int64) bool {
	if size < 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.pins[id]
	if !ok || e.size >= 0 {
		return false
	}
	e.size = size
	return true
}

// SizeOf reports the resolved byte length of a resident payload.
// Implements object.SizeResolver for processes colocated with the store;
// payloads not pinned here, or pinned with size still unknown, return
// ok=false.
func (p *PinTracker) SizeOf(id object.ID) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.pins[id]
	if !ok || e.size < 0 {
		return 0, false
	}
	return e.size, true
}

// PinnedBy reports whether pid currently holds a pin on id.
func (p *PinTracker) PinnedBy(id object.ID, pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.pins[id]
	return ok && e.pids[pid] > 0
}

// Snapshot returns all currently pinned payloads, ordered by object ID for
// stable output.
func (p *PinTracker) Snapshot() []Pin {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Pin, 0, len(p.pins))
	for id, e := range p.pins {
		pin := Pin{ID: id, SizeBytes: e.size}
		for pid := range e.pids {
			pin.PIDs = append(pin.PIDs, pid)
		}
		sort.Ints(pin.PIDs)
		out = append(out, pin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

// Stats returns the number of pinned payloads and the sum of their known
// sizes.
func (p *PinTracker) Stats() (count int, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.pins {
		count++
		if e.size > 0 {
			bytes += e.size
		}
	}
	return count, bytes
}

// Len returns the number of pinned payloads.
func (p *PinTracker) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pins)
}
