package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Object lifecycle topics.
const (
	TopicObjectRegistered = "object.registered"
	TopicObjectReleased   = "object.released"
	TopicObjectPinned     = "object.pinned"
	TopicObjectUnpinned   = "object.unpinned"
	TopicReportGenerated  = "report.generated"
)

// ObjectEvent is published when an object reference is registered or released.
type ObjectEvent struct {
	ObjectID string `json:"object_id"`        // Hex object ID
	PID      int    `json:"pid"`              // Owning process PID
	NodeID   string `json:"node_id"`          // Node the process runs on
	Reason   string `json:"reason,omitempty"` // Reference reason (e.g. LOCAL_REFERENCE)
}

// PinEvent is published when an object is pinned in or unpinned from plasma.
type PinEvent struct {
	ObjectID  string `json:"object_id"`  // Hex object ID
	PID       int    `json:"pid"`        // PID the pin is attributed to
	NodeID    string `json:"node_id"`    // Node whose store holds the object
	SizeBytes int64  `json:"size_bytes"` // Object size, -1 if unknown
}

// ReportEvent is published after a cluster memory report is assembled.
type ReportEvent struct {
	Nodes       int           `json:"nodes"`        // Nodes included in the report
	Processes   int           `json:"processes"`    // Processes that answered
	Objects     int           `json:"objects"`      // Total object rows
	PinnedBytes int64         `json:"pinned_bytes"` // Bytes pinned across all stores
	Elapsed     time.Duration `json:"elapsed_ns"`   // Wall time spent collecting
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
