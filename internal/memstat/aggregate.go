package memstat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThomasGoatly/ray/internal/bus"
	otelPkg "github.com/ThomasGoatly/ray/internal/otel"
	"github.com/ThomasGoatly/ray/internal/process"
)

// ProcessSource yields one process's snapshot. Local processes answer
// in-memory; remote ones answer over whatever transport fronts them.
type ProcessSource interface {
	Descriptor() process.Descriptor
	Snapshot(ctx context.Context) (process.Snapshot, error)
}

// Node is the aggregator's view of one machine.
type Node interface {
	ID() string
	Sources() []ProcessSource // drivers first
	StoreStats() (count int, bytes int64)
}

// Membership enumerates live nodes in report order.
type Membership interface {
	Nodes() []Node
}

const defaultPerProcessTimeout = 2 * time.Second

// Options tunes report collection.
type Options struct {
	PerProcessTimeout time.Duration // default 2s
	CacheTTL          time.Duration // 0 disables the report cache
	Logger            *slog.Logger
	Bus               *bus.Bus        // report.generated sink; may be nil
	Metrics           *otelPkg.Metrics // may be nil
}

// Aggregator runs the scatter-gather collection over cluster membership.
type Aggregator struct {
	membership Membership
	timeout    time.Duration
	cache      *reportCache
	logger     *slog.Logger
	bus        *bus.Bus
	metrics    *otelPkg.Metrics
	now        func() time.Time
}

// NewAggregator builds an Aggregator over the given membership view.
func NewAggregator(m Membership, opts Options) (*Aggregator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.PerProcessTimeout
	if timeout <= 0 {
		timeout = defaultPerProcessTimeout
	}
	var cache *reportCache
	if opts.CacheTTL > 0 {
		var err error
		cache, err = newReportCache(opts.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("report cache: %w", err)
		}
	}
	return &Aggregator{
		membership: m,
		timeout:    timeout,
		cache:      cache,
		logger:     logger.With("component", "memstat"),
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		now:        time.Now,
	}, nil
}

// Collect assembles a cluster report. Each process is queried in parallel
// under its own timeout; a process that fails or times out degrades to an
// unreachable fragment and a report warning, never a collection failure.
// Only cancellation of ctx itself fails the whole report.
func (a *Aggregator) Collect(ctx context.Context) (*ClusterReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cached, ok := a.cache.get(); ok {
		return cached, nil
	}

	start := a.now()
	nodes := a.membership.Nodes()

	type slot struct {
		node int
		proc int
		src  ProcessSource
	}
	var slots []slot
	fragments := make([][]ProcessReport, len(nodes))
	for i, node := range nodes {
		sources := node.Sources()
		fragments[i] = make([]ProcessReport, len(sources))
		for j, src := range sources {
			slots = append(slots, slot{node: i, proc: j, src: src})
		}
	}

	// Scatter: one goroutine per process, each bounded by its own timeout.
	var wg sync.WaitGroup
	wg.Add(len(slots))
	for _, s := range slots {
		go func(s slot) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			desc := s.src.Descriptor()
			snap, err := s.src.Snapshot(pctx)
			if err != nil {
				fragments[s.node][s.proc] = ProcessReport{
					PID:       desc.PID,
					Role:      desc.Role,
					Reachable: false,
					Error:     err.Error(),
					Objects:   []ObjectRow{},
				}
				return
			}
			fragments[s.node][s.proc] = processReport(snap)
		}(s)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Gather.
	report := &ClusterReport{
		ID:          uuid.NewString(),
		GeneratedAt: start.UTC(),
		Nodes:       make([]NodeReport, 0, len(nodes)),
	}
	for i, node := range nodes {
		count, bytes := node.StoreStats()
		report.Nodes = append(report.Nodes, NodeReport{
			NodeID:     node.ID(),
			StoreCount: count,
			StoreBytes: bytes,
			Processes:  fragments[i],
		})
		for _, frag := range fragments[i] {
			if !frag.Reachable {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("pid %d (%s) on node %s unreachable: %s",
						frag.PID, frag.Role, node.ID(), frag.Error))
			}
		}
	}
	elapsed := a.now().Sub(start)
	report.ElapsedMS = elapsed.Milliseconds()

	a.cache.set(report)
	a.observe(ctx, report, elapsed)

	if n := report.NumUnreachable(); n > 0 {
		a.logger.Warn("report collected with unreachable processes",
			"report_id", report.ID, "unreachable", n, "objects", report.NumObjects())
	} else {
		a.logger.Debug("report collected",
			"report_id", report.ID, "objects", report.NumObjects(), "elapsed", elapsed)
	}
	return report, nil
}

func (a *Aggregator) observe(ctx context.Context, report *ClusterReport, elapsed time.Duration) {
	if a.bus != nil {
		a.bus.Publish(bus.TopicReportGenerated, bus.ReportEvent{
			Nodes:       len(report.Nodes),
			Processes:   report.NumProcesses(),
			Objects:     report.NumObjects(),
			PinnedBytes: report.PinnedBytes(),
			Elapsed:     elapsed,
		})
	}
	if a.metrics != nil {
		a.metrics.ReportsGenerated.Add(ctx, 1)
		a.metrics.ReportDuration.Record(ctx, elapsed.Seconds())
		a.metrics.ObjectsReported.Record(ctx, int64(report.NumObjects()))
		if n := report.NumUnreachable(); n > 0 {
			a.metrics.UnreachableProcesses.Add(ctx, int64(n))
		}
	}
}

func processReport(snap process.Snapshot) ProcessReport {
	objects := make([]ObjectRow, 0, len(snap.Objects))
	for _, st := range snap.Objects {
		reasons := st.Reasons.Labels()
		if reasons == nil {
			// A pinned-only object has an empty reason set; keep the JSON
			// field an array, not null.
			reasons = []string{}
		}
		row := ObjectRow{
			ObjectID:  st.ID.Hex(),
			SizeBytes: st.SizeBytes,
			Pinned:    st.Pinned,
			Reasons:   reasons,
		}
		if st.HasSite {
			row.Qualifier = st.Site.Qualifier
			row.CallKind = st.Site.Kind.String()
		}
		objects = append(objects, row)
	}
	return ProcessReport{
		PID:       snap.Process.PID,
		Role:      snap.Process.Role,
		Reachable: true,
		Objects:   objects,
	}
}
