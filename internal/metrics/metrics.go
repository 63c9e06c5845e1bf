// Package metrics provides Prometheus metrics for kvmux.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kvmux"
)

// Metrics contains all Prometheus metrics for the controller.
type Metrics struct {
	// Connection metrics
	RemotesByState    *prometheus.GaugeVec
	RemoteFailures    *prometheus.CounterVec
	PermanentFailures prometheus.Counter
	ReconnectAttempts prometheus.Counter
	BacklogOverflows  prometheus.Counter
	SetupLatency      prometheus.Histogram

	// Message metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	// Focus metrics
	FocusSwitches *prometheus.CounterVec
	EdgeEvents    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Connection metrics
		RemotesByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remotes",
			Help:      "Number of remotes by connection state",
		}, []string{"state"}),
		RemoteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_failures_total",
			Help:      "Total remote connection failures by reason",
		}, []string{"reason"}),
		PermanentFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_permanent_failures_total",
			Help:      "Total remotes that exhausted their reconnect attempts",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total transport spawns for remotes",
		}),
		BacklogOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_backlog_overflows_total",
			Help:      "Total messages rejected because a send backlog was full",
		}),
		SetupLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "setup_latency_seconds",
			Help:      "Histogram of time from transport spawn to ready",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		// Message metrics
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total protocol messages queued for remotes by type",
		}, []string{"type"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total protocol messages received from remotes by type",
		}, []string{"type"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total encoded message bytes queued for remotes",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total encoded message bytes received from remotes",
		}),

		// Focus metrics
		FocusSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "focus_switches_total",
			Help:      "Total focus switches by trigger",
		}, []string{"trigger"}),
		EdgeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edge_events_total",
			Help:      "Total edge events by result",
		}, []string{"result"}),
	}

	return m
}

// SetRemoteStates replaces the per-state remote gauges.
func (m *Metrics) SetRemoteStates(counts map[string]int) {
	m.RemotesByState.Reset()
	for state, n := range counts {
		m.RemotesByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordFailure records a remote failure.
func (m *Metrics) RecordFailure(reason string, permanent bool) {
	m.RemoteFailures.WithLabelValues(reason).Inc()
	if permanent {
		m.PermanentFailures.Inc()
	}
}

// RecordReconnectAttempt records a transport spawn.
func (m *Metrics) RecordReconnectAttempt() {
	m.ReconnectAttempts.Inc()
}

// RecordBacklogOverflow records a message rejected by a full backlog.
func (m *Metrics) RecordBacklogOverflow() {
	m.BacklogOverflows.Inc()
}

// RecordSetup records the time a remote took to become ready.
func (m *Metrics) RecordSetup(latencySeconds float64) {
	m.SetupLatency.Observe(latencySeconds)
}

// RecordMessageSent records a message queued for a remote.
func (m *Metrics) RecordMessageSent(msgType string, bytes int) {
	m.MessagesSent.WithLabelValues(msgType).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordMessageReceived records a message received from a remote.
func (m *Metrics) RecordMessageReceived(msgType string, bytes int) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordFocusSwitch records a focus switch that changed focus.
func (m *Metrics) RecordFocusSwitch(trigger string) {
	m.FocusSwitches.WithLabelValues(trigger).Inc()
}

// RecordEdgeEvent records an edge event; result is "accepted",
// "duplicate" or "multitap".
func (m *Metrics) RecordEdgeEvent(result string) {
	m.EdgeEvents.WithLabelValues(result).Inc()
}
