package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics collects Prometheus metrics for reconciliation runs. All record
// methods are safe on a nil or disabled receiver, so callers never need to
// branch on whether metrics are wired.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	probeFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. A disabled config yields a nil
// collector, which drops all samples.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "runs_started_total",
			Help:      "Total reconciliation runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "runs_completed_total",
			Help:      "Total reconciliation runs completed",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "operations_total",
			Help:      "Total operations executed",
		}, []string{"kind", "change", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of individual operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "probe_failures_total",
			Help:      "Total state probes that failed",
		}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.operations,
		m.operationDuration,
		m.probeFailures,
	)
	return m
}

// RecordRunStarted counts a run start.
func (m *Metrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted counts a run completion and its duration.
func (m *Metrics) RecordRunCompleted(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(resultLabel(success)).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordOperation counts one executed operation.
func (m *Metrics) RecordOperation(kind, change string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, change, resultLabel(success)).Inc()
	m.operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordProbeFailure counts a failed state probe.
func (m *Metrics) RecordProbeFailure() {
	if m == nil {
		return
	}
	m.probeFailures.Inc()
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in a background goroutine.
func (m *Metrics) Serve(addr string) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
