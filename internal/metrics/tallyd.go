// Package metrics provides Prometheus-compatible metrics for tallyd.
package metrics

// TallydMetrics holds all tallyd-specific metrics.
type TallydMetrics struct {
	registry *Registry

	// Counters
	CyclesTotal        *Counter
	CycleFailuresTotal *Counter
	DeltasTotal        *Counter
	RawSnapshotsTotal  *Counter
	SessionsTotal      *Counter

	// Gauges
	ActiveProjects      *Gauge
	TrackedSessions     *Gauge
	PollIntervalSeconds *Gauge

	// Histograms
	CycleDuration *Histogram
}

// New creates and registers all tallyd metrics on the given registry.
func New(registry *Registry) *TallydMetrics {
	return &TallydMetrics{
		registry: registry,

		CyclesTotal: registry.RegisterCounter(
			"cycles_total",
			"Total number of reconciliation cycles run",
			nil,
		),
		CycleFailuresTotal: registry.RegisterCounter(
			"cycle_failures_total",
			"Total number of reconciliation cycles that failed",
			nil,
		),
		DeltasTotal: registry.RegisterCounter(
			"deltas_recorded_total",
			"Total number of delta records persisted",
			nil,
		),
		RawSnapshotsTotal: registry.RegisterCounter(
			"raw_snapshots_total",
			"Total number of raw snapshot audit rows persisted",
			nil,
		),
		SessionsTotal: registry.RegisterCounter(
			"sessions_created_total",
			"Total number of sessions first observed",
			nil,
		),
		ActiveProjects: registry.RegisterGauge(
			"active_projects",
			"Number of project paths active on the most recent cycle",
			nil,
		),
		TrackedSessions: registry.RegisterGauge(
			"tracked_sessions",
			"Number of sessions held in the in-memory registry",
			nil,
		),
		PollIntervalSeconds: registry.RegisterGauge(
			"poll_interval_seconds",
			"Current scheduler poll interval in seconds",
			nil,
		),

		CycleDuration: registry.RegisterHistogram(
			"cycle_duration_seconds",
			"Duration of reconciliation cycles",
			nil,
			DurationBuckets,
		),
	}
}

// Registry returns the underlying registry, for exposition.
func (m *TallydMetrics) Registry() *Registry {
	return m.registry
}
