package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all raymem metric instruments.
type Metrics struct {
	ReportDuration       metric.Float64Histogram
	ReportsGenerated     metric.Int64Counter
	ObjectsReported      metric.Int64Histogram
	UnreachableProcesses metric.Int64Counter
	ObjectsRegistered    metric.Int64Counter
	ObjectsReleased      metric.Int64Counter
	ObjectsLive          metric.Int64UpDownCounter
	PinsActive           metric.Int64UpDownCounter
	AlertsSent           metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ReportDuration, err = meter.Float64Histogram("raymem.report.duration",
		metric.WithDescription("Cluster report collection duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReportsGenerated, err = meter.Int64Counter("raymem.reports.total",
		metric.WithDescription("Cluster reports generated"),
	)
	if err != nil {
		return nil, err
	}

	m.ObjectsReported, err = meter.Int64Histogram("raymem.report.objects",
		metric.WithDescription("Object rows per generated report"),
	)
	if err != nil {
		return nil, err
	}

	m.UnreachableProcesses, err = meter.Int64Counter("raymem.report.unreachable",
		metric.WithDescription("Processes that failed to answer a report collection"),
	)
	if err != nil {
		return nil, err
	}

	m.ObjectsRegistered, err = meter.Int64Counter("raymem.objects.registered",
		metric.WithDescription("Object rows created across all processes"),
	)
	if err != nil {
		return nil, err
	}

	m.ObjectsReleased, err = meter.Int64Counter("raymem.objects.released",
		metric.WithDescription("Object rows removed across all processes"),
	)
	if err != nil {
		return nil, err
	}

	m.ObjectsLive, err = meter.Int64UpDownCounter("raymem.objects.live",
		metric.WithDescription("Currently tracked object rows"),
	)
	if err != nil {
		return nil, err
	}

	m.PinsActive, err = meter.Int64UpDownCounter("raymem.pins.active",
		metric.WithDescription("Currently held process-level pins"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsSent, err = meter.Int64Counter("raymem.alerts.total",
		metric.WithDescription("Threshold alerts dispatched"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
