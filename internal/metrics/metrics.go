// Package metrics holds the Prometheus collectors for sessions, streams,
// cancellations, relay pairs and the workload driver.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

// Namespace prefixes every metric name.
const Namespace = "h2mux"

// Cancellation origins for StreamCancels.
const (
	OriginLocal    = "local"
	OriginPeer     = "peer"
	OriginDeadline = "deadline"
	OriginSession  = "session"
)

// Metrics is one set of collectors. Create it with New and register it
// with Register.
type Metrics struct {
	SessionsActive      *prometheus.GaugeVec
	SessionTransitions  *prometheus.CounterVec
	StreamsOpened       *prometheus.CounterVec
	StreamsClosed       *prometheus.CounterVec
	StreamCancels       *prometheus.CounterVec
	StreamsRefused      *prometheus.CounterVec
	UnknownStreamFrames *prometheus.CounterVec

	RelayPairsActive         prometheus.Gauge
	RelayUpstreamDials       *prometheus.CounterVec
	RelayUpstreamUnavailable prometheus.Counter

	DriverIterations    *prometheus.CounterVec
	DriverCycleDuration prometheus.Histogram
}

// New builds an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Gauge of sessions in the ACTIVE or DRAINING state.",
		}, []string{"role"}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Counter of session state transitions by target state.",
		}, []string{"role", "state"}),
		StreamsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "opened_total",
			Help:      "Counter of streams registered, by initiator.",
		}, []string{"role", "initiator"}),
		StreamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "closed_total",
			Help:      "Counter of streams released, by outcome.",
		}, []string{"role", "outcome"}),
		StreamCancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "cancels_total",
			Help:      "Counter of stream cancellations, by origin.",
		}, []string{"role", "origin"}),
		StreamsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "refused_total",
			Help:      "Counter of peer streams refused, by reason.",
		}, []string{"role", "reason"}),
		UnknownStreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stream",
			Name:      "unknown_frames_total",
			Help:      "Counter of frames received for streams that are no longer registered.",
		}, []string{"role", "type"}),
		RelayPairsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "pairs_active",
			Help:      "Gauge of relay pairs with at least one live leg.",
		}),
		RelayUpstreamDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "upstream_dials_total",
			Help:      "Counter of upstream session dials, by result.",
		}, []string{"result"}),
		RelayUpstreamUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "upstream_unavailable_total",
			Help:      "Counter of inbound streams answered with the unavailable status.",
		}),
		DriverIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "driver",
			Name:      "iterations_total",
			Help:      "Counter of driver cycles, by outcome.",
		}, []string{"outcome"}),
		DriverCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "driver",
			Name:      "cycle_duration_seconds",
			Help:      "Histogram of the time one open-exchange-cancel cycle took.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionsActive, m.SessionTransitions,
		m.StreamsOpened, m.StreamsClosed, m.StreamCancels, m.StreamsRefused, m.UnknownStreamFrames,
		m.RelayPairsActive, m.RelayUpstreamDials, m.RelayUpstreamUnavailable,
		m.DriverIterations, m.DriverCycleDuration,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var err error
	for _, c := range m.collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionState(role, state string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(role, state).Inc()
}

func (m *Metrics) SessionActive(role string, delta float64) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(role).Add(delta)
}

func (m *Metrics) StreamOpened(role, initiator string) {
	if m == nil {
		return
	}
	m.StreamsOpened.WithLabelValues(role, initiator).Inc()
}

func (m *Metrics) StreamClosed(role, outcome string) {
	if m == nil {
		return
	}
	m.StreamsClosed.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) StreamCancelled(role, origin string) {
	if m == nil {
		return
	}
	m.StreamCancels.WithLabelValues(role, origin).Inc()
}

func (m *Metrics) StreamRefused(role, reason string) {
	if m == nil {
		return
	}
	m.StreamsRefused.WithLabelValues(role, reason).Inc()
}

func (m *Metrics) UnknownStreamFrame(role, frameType string) {
	if m == nil {
		return
	}
	m.UnknownStreamFrames.WithLabelValues(role, frameType).Inc()
}

func (m *Metrics) RelayPair(delta float64) {
	if m == nil {
		return
	}
	m.RelayPairsActive.Add(delta)
}

func (m *Metrics) UpstreamDial(result string) {
	if m == nil {
		return
	}
	m.RelayUpstreamDials.WithLabelValues(result).Inc()
}

func (m *Metrics) UpstreamUnavailable() {
	if m == nil {
		return
	}
	m.RelayUpstreamUnavailable.Inc()
}

func (m *Metrics) DriverCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DriverIterations.WithLabelValues(outcome).Inc()
	m.DriverCycleDuration.Observe(d.Seconds())
}
