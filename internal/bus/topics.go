package bus

// Monitor threshold topics. A breach fires once when a threshold is
// crossed and a clear fires once when the value drops back under it;
// the monitor suppresses repeats in between.
const (
	TopicMonitorBreach = "monitor.breach"
	TopicMonitorClear  = "monitor.clear"
)

// BreachEvent is published when a monitored threshold is crossed or
// cleared.
type BreachEvent struct {
	Threshold string `json:"threshold"` // "max_objects" or "max_pinned_bytes"
	Value     int64  `json:"value"`     // Observed value at evaluation time
	Limit     int64  `json:"limit"`     // Configured limit
	ReportID  string `json:"report_id"` // Report that triggered the evaluation
}
