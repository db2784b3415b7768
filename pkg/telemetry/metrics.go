package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the discovery and delivery engine.
type Metrics struct {
	config MetricsConfig

	// Discovery metrics
	discoveriesStarted   prometheus.Counter
	discoveriesCompleted *prometheus.CounterVec
	discoveryDuration    *prometheus.HistogramVec

	// Cascade layer metrics
	layerOutcomes *prometheus.CounterVec
	layerDuration *prometheus.HistogramVec

	// Delivery tracker metrics
	attemptTransitions *prometheus.CounterVec
	bounceSignals      *prometheus.CounterVec

	// Ledger metrics
	cooldownShortCircuits prometheus.Counter

	// System metrics
	contactsInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		discoveriesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discoveries_started_total",
				Help:      "Total number of contact discoveries started",
			},
		),
		discoveriesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discoveries_completed_total",
				Help:      "Total number of contact discoveries completed",
			},
			[]string{"result"},
		),
		discoveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "discovery_duration_seconds",
				Help:      "Duration of contact discovery in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),

		layerOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cascade_layer_outcomes_total",
				Help:      "Cascade layer outcomes by layer and result",
			},
			[]string{"layer", "result"},
		),
		layerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cascade_layer_duration_seconds",
				Help:      "Duration of cascade layer attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"layer"},
		),

		attemptTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempt_transitions_total",
				Help:      "Outreach attempt state transitions",
			},
			[]string{"from", "to"},
		),
		bounceSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bounce_signals_total",
				Help:      "Bounce notifications processed by parse result",
			},
			[]string{"result"},
		),

		cooldownShortCircuits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cooldown_short_circuits_total",
				Help:      "Discovery requests short-circuited by company cooldown",
			},
		),

		contactsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "contacts_in_flight",
				Help:      "Contacts currently being processed",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.discoveriesStarted,
		m.discoveriesCompleted,
		m.discoveryDuration,
		m.layerOutcomes,
		m.layerDuration,
		m.attemptTransitions,
		m.bounceSignals,
		m.cooldownShortCircuits,
		m.contactsInFlight,
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server. It blocks until the server exits.
func (m *Metrics) Serve() error {
	if !m.config.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}

// RecordDiscoveryStarted increments the started counter and in-flight gauge.
func (m *Metrics) RecordDiscoveryStarted() {
	if m.registry == nil {
		return
	}
	m.discoveriesStarted.Inc()
	m.contactsInFlight.Inc()
}

// RecordDiscoveryCompleted records a completed discovery with its result.
func (m *Metrics) RecordDiscoveryCompleted(result string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.discoveriesCompleted.WithLabelValues(result).Inc()
	m.discoveryDuration.WithLabelValues(result).Observe(duration.Seconds())
	m.contactsInFlight.Dec()
}

// RecordLayerOutcome records a cascade layer attempt outcome.
func (m *Metrics) RecordLayerOutcome(layer, result string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.layerOutcomes.WithLabelValues(layer, result).Inc()
	m.layerDuration.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordTransition records an outreach attempt state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m.registry == nil {
		return
	}
	m.attemptTransitions.WithLabelValues(from, to).Inc()
}

// RecordBounceSignal records a bounce parse result ("bounce" or "not_a_bounce").
func (m *Metrics) RecordBounceSignal(result string) {
	if m.registry == nil {
		return
	}
	m.bounceSignals.WithLabelValues(result).Inc()
}

// RecordCooldownShortCircuit records a discovery suppressed by company cooldown.
func (m *Metrics) RecordCooldownShortCircuit() {
	if m.registry == nil {
		return
	}
	m.cooldownShortCircuits.Inc()
}
