package metrics

import "time"

// ProctorMetrics holds the proctoring series. All methods are safe on a nil
// receiver so callers can leave metrics unconfigured.
type ProctorMetrics struct {
	registry *Registry

	BlocksTotal       *Counter
	ForcedBlocksTotal *Counter
	ResetsTotal       *Counter
	SinkFailuresTotal *Counter
	SessionsTotal     *Counter

	ActiveSessions *Gauge

	SinkLatency *Histogram
}

// NewProctorMetrics creates and registers the proctoring metrics.
func NewProctorMetrics(registry *Registry) *ProctorMetrics {
	if registry == nil {
		registry = Default()
	}

	return &ProctorMetrics{
		registry: registry,

		BlocksTotal: registry.Counter(
			"blocks_total",
			"Sessions blocked after reaching the violation threshold",
			nil,
		),
		ForcedBlocksTotal: registry.Counter(
			"forced_blocks_total",
			"Sessions blocked by a host request",
			nil,
		),
		ResetsTotal: registry.Counter(
			"resets_total",
			"Violation counter resets",
			nil,
		),
		SinkFailuresTotal: registry.Counter(
			"sink_failures_total",
			"Violation reports the sink failed to deliver",
			nil,
		),
		SessionsTotal: registry.Counter(
			"sessions_total",
			"Proctoring sessions opened",
			nil,
		),
		ActiveSessions: registry.Gauge(
			"active_sessions",
			"Proctoring sessions currently open",
			nil,
		),
		SinkLatency: registry.Histogram(
			"sink_report_seconds",
			"Time spent delivering one violation report",
			nil,
			DurationBuckets,
		),
	}
}

// Registry returns the registry the metrics live in.
func (m *ProctorMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ViolationAccepted counts an accepted violation of the given kind.
func (m *ProctorMetrics) ViolationAccepted(kind string) {
	if m == nil {
		return
	}
	m.registry.Counter(
		"violations_total",
		"Accepted violations by kind",
		Labels{"kind": kind},
	).Inc()
}

// SignalDropped counts a sensor signal the aggregator dropped.
func (m *ProctorMetrics) SignalDropped(reason string) {
	if m == nil {
		return
	}
	m.registry.Counter(
		"dropped_signals_total",
		"Sensor signals dropped before becoming violations",
		Labels{"reason": reason},
	).Inc()
}

// Blocked counts a block transition.
func (m *ProctorMetrics) Blocked(forced bool) {
	if m == nil {
		return
	}
	if forced {
		m.ForcedBlocksTotal.Inc()
		return
	}
	m.BlocksTotal.Inc()
}

// Reset counts a violation counter reset.
func (m *ProctorMetrics) Reset() {
	if m == nil {
		return
	}
	m.ResetsTotal.Inc()
}

// SinkReport records the outcome of one sink delivery.
func (m *ProctorMetrics) SinkReport(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SinkLatency.ObserveDuration(d)
	if err != nil {
		m.SinkFailuresTotal.Inc()
	}
}

// SessionOpened tracks a new live session.
func (m *ProctorMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// SessionClosed tracks a session leaving the live set.
func (m *ProctorMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
