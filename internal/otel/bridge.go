package otel

import (
	"context"
	"sync"

	"github.com/ThomasGoatly/ray/internal/bus"
)

// Bridge consumes object lifecycle events from the bus and feeds the
// long-running instruments (registered/released counters, live gauges).
type Bridge struct {
	bus     *bus.Bus
	metrics *Metrics
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewBridge wires a bus to a set of instruments.
func NewBridge(b *bus.Bus, m *Metrics) *Bridge {
	return &Bridge{bus: b, metrics: m}
}

// Start begins consuming lifecycle events until ctx is cancelled or Stop
// is called.
func (br *Bridge) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	sub := br.bus.Subscribe("object.")
	br.wg.Add(1)
	go func() {
		defer br.wg.Done()
		defer br.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				br.record(ctx, ev)
			}
		}
	}()
}

// Stop halts event consumption and waits for the worker to exit.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
	}
	br.wg.Wait()
}

func (br *Bridge) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicObjectRegistered:
		br.metrics.ObjectsRegistered.Add(ctx, 1)
		br.metrics.ObjectsLive.Add(ctx, 1)
	case bus.TopicObjectReleased:
		br.metrics.ObjectsReleased.Add(ctx, 1)
		br.metrics.ObjectsLive.Add(ctx, -1)
	case bus.TopicObjectPinned:
		br.metrics.PinsActive.Add(ctx, 1)
	case bus.TopicObjectUnpinned:
		br.metrics.PinsActive.Add(ctx, -1)
	}
}
