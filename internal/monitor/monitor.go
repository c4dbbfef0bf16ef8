// Package monitor runs the periodic report loop: on a cron schedule it
// collects a cluster report, archives it, enforces retention, and
// evaluates memory thresholds, notifying operators on breach and clear
// transitions.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ThomasGoatly/ray/internal/alert"
	"github.com/ThomasGoatly/ray/internal/bus"
	"github.com/ThomasGoatly/ray/internal/memstat"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Collector produces cluster reports on demand.
type Collector interface {
	Collect(ctx context.Context) (*memstat.ClusterReport, error)
}

// Archiver persists reports and enforces retention. *archive.Store
// satisfies it.
type Archiver interface {
	SaveReport(ctx context.Context, report *memstat.ClusterReport) (string, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Thresholds are the monitored limits. Zero disables a check.
type Thresholds struct {
	MaxObjects     int
	MaxPinnedBytes int64
}

// Config holds the dependencies for the monitor.
type Config struct {
	Collector  Collector
	Archive    Archiver         // optional; nil disables archiving
	Notifiers  []alert.Notifier // breach/clear delivery targets
	Bus        *bus.Bus         // optional; monitor.breach / monitor.clear sink
	Logger     *slog.Logger
	Schedule   string        // 5-field cron expression; defaults to every 5 minutes
	Interval   time.Duration // schedule check granularity; defaults to 30s
	Thresholds Thresholds
	Retention  time.Duration    // prune archived reports older than this; 0 disables
	Now        func() time.Time // test seam; defaults to time.Now
}

// Monitor is the periodic reporter.
type Monitor struct {
	collector Collector
	archive   Archiver
	notifiers []alert.Notifier
	bus       *bus.Bus
	logger    *slog.Logger
	schedule  cronlib.Schedule
	interval  time.Duration
	limits    Thresholds
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	breached map[string]bool
	nextRun  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Monitor. The schedule is parsed once; an invalid
// expression fails construction.
func New(cfg Config) (*Monitor, error) {
	if cfg.Collector == nil {
		return nil, fmt.Errorf("monitor: nil collector")
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/5 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		collector: cfg.Collector,
		archive:   cfg.Archive,
		notifiers: cfg.Notifiers,
		bus:       cfg.Bus,
		logger:    logger.With("component", "monitor"),
		schedule:  schedule,
		interval:  interval,
		limits:    cfg.Thresholds,
		retention: cfg.Retention,
		now:       now,
		breached:  make(map[string]bool),
	}, nil
}

// Start begins the monitor loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Lock()
	m.nextRun = m.schedule.Next(m.now())
	next := m.nextRun
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("monitor started", "next_run", next.Format(time.RFC3339))
}

// Stop cancels the monitor loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

// loop runs a baseline report immediately, then fires on each cron
// boundary, checking at the configured granularity.
func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("baseline report failed", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick fires RunOnce when the schedule is due and advances the next
// run time.
func (m *Monitor) tick(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	due := !now.Before(m.nextRun)
	if due {
		m.nextRun = m.schedule.Next(now)
	}
	m.mu.Unlock()
	if !due {
		return
	}

	if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("scheduled report failed", "error", err)
	}
}

// RunOnce collects one report, archives it, applies retention, and
// evaluates thresholds. Archive and notification failures are logged
// and do not fail the run; only collection errors do.
func (m *Monitor) RunOnce(ctx context.Context) error {
	report, err := m.collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect report: %w", err)
	}

	m.logger.Info("memory report generated",
		"report_id", report.ID,
		"num_objects", report.NumObjects(),
		"num_processes", report.NumProcesses(),
		"unreachable", report.NumUnreachable(),
		"pinned_bytes", report.PinnedBytes(),
		"elapsed_ms", report.ElapsedMS,
	)

	if m.archive != nil {
		if _, err := m.archive.SaveReport(ctx, report); err != nil {
			m.logger.Error("failed to archive report", "report_id", report.ID, "error", err)
		} else if m.retention > 0 {
			cutoff := m.now().Add(-m.retention)
			if _, err := m.archive.PruneOlderThan(ctx, cutoff); err != nil {
				m.logger.Error("failed to prune archive", "error", err)
			}
		}
	}

	m.evaluate(ctx, report)
	return nil
}

// NextRun returns the next scheduled run time.
func (m *Monitor) NextRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextRun
}

// UpdateThresholds swaps the monitored limits; the next evaluation uses
// the new values. Breach state carries over, so a limit raised above the
// current value emits a clear on the following run.
func (m *Monitor) UpdateThresholds(t Thresholds) {
	m.mu.Lock()
	m.limits = t
	m.mu.Unlock()
	m.logger.Info("thresholds updated",
		"max_objects", t.MaxObjects, "max_pinned_bytes", t.MaxPinnedBytes)
}

type check struct {
	name  string
	value int64
	limit int64
}

// evaluate compares the report against the configured limits and emits
// breach/clear transitions. A limit that stays breached is suppressed
// until it clears.
func (m *Monitor) evaluate(ctx context.Context, report *memstat.ClusterReport) {
	m.mu.Lock()
	limits := m.limits
	m.mu.Unlock()
	checks := []check{
		{name: "max_objects", value: int64(report.NumObjects()), limit: int64(limits.MaxObjects)},
		{name: "max_pinned_bytes", value: report.PinnedBytes(), limit: limits.MaxPinnedBytes},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		m.mu.Lock()
		active := m.breached[c.name]
		var transition string
		switch {
		case c.value > c.limit && !active:
			m.breached[c.name] = true
			transition = "breach"
		case c.value <= c.limit && active:
			m.breached[c.name] = false
			transition = "clear"
		}
		m.mu.Unlock()

		switch transition {
		case "breach":
			m.logger.Warn("memory threshold breached",
				"threshold", c.name, "value", c.value, "limit", c.limit, "report_id", report.ID)
			m.publish(bus.TopicMonitorBreach, c, report.ID)
			m.notify(ctx, "memory threshold breached",
				fmt.Sprintf("%s: %d exceeds limit %d (report %s)", c.name, c.value, c.limit, report.ID))
		case "clear":
			m.logger.Info("memory threshold cleared",
				"threshold", c.name, "value", c.value, "limit", c.limit, "report_id", report.ID)
			m.publish(bus.TopicMonitorClear, c, report.ID)
			m.notify(ctx, "memory threshold cleared",
				fmt.Sprintf("%s: %d back under limit %d (report %s)", c.name, c.value, c.limit, report.ID))
		}
	}
}

func (m *Monitor) publish(topic string, c check, reportID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.BreachEvent{
		Threshold: c.name,
		Value:     c.value,
		Limit:     c.limit,
		ReportID:  reportID,
	})
}

func (m *Monitor) notify(ctx context.Context, subject, body string) {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, subject, body); err != nil {
			m.logger.Error("notifier failed", "notifier", n.Name(), "error", err)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
