// Package metrics exposes the monitor's operational counters as
// Prometheus series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the monitor's Prometheus series. Each instance carries
// its own registry so restarts and tests never double-register.
type Collector struct {
	registry *prometheus.Registry

	// Flow metrics
	EventsIngested *prometheus.CounterVec
	EventsDropped  prometheus.Counter
	EventRate      prometheus.Gauge
	StageLatency   *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec

	// Detection and alerting
	DetectionsTotal  *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter

	// Response and emergency
	ResponseActions *prometheus.CounterVec
	EmergencyLevel  prometheus.Gauge
	LockdownsTotal  prometheus.Counter

	// Self-protection
	ComponentHealthy    *prometheus.GaugeVec
	IntegrityViolations prometheus.Counter
	ChainEntries        prometheus.Gauge
}

// NewCollector builds and registers every series.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbsentinel_events_ingested_total",
				Help: "Normalized events accepted into the pipeline",
			},
			[]string{"event_type"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dbsentinel_events_dropped_total",
				Help: "Events dropped because the event queue was full",
			},
		),
		EventRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbsentinel_event_rate_per_second",
				Help: "Events per second over the last supervisor cycle",
			},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbsentinel_stage_latency_seconds",
				Help:    "Processing latency per pipeline stage",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"stage"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbsentinel_queue_depth",
				Help: "Current depth of each bounded queue",
			},
			[]string{"queue"},
		),

		DetectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbsentinel_detections_total",
				Help: "Detections emitted, by detector and severity",
			},
			[]string{"detector", "severity"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbsentinel_alerts_total",
				Help: "Alerts raised, by priority",
			},
			[]string{"priority"},
		),
		AlertsSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dbsentinel_alerts_suppressed_total",
				Help: "Alerts absorbed by the duplicate-suppression window",
			},
		),

		ResponseActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbsentinel_response_actions_total",
				Help: "Response actions, by type and outcome",
			},
			[]string{"action_type", "outcome"},
		),
		EmergencyLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbsentinel_emergency_level",
				Help: "Current emergency level (0 none .. 4 lockdown)",
			},
		),
		LockdownsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dbsentinel_lockdowns_total",
				Help: "System lockdowns initiated",
			},
		),

		ComponentHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbsentinel_component_healthy",
				Help: "1 when the component passed its last health check",
			},
			[]string{"component"},
		),
		IntegrityViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dbsentinel_integrity_violations_total",
				Help: "Tamper findings across watched files and the audit chain",
			},
		),
		ChainEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbsentinel_audit_chain_entries",
				Help: "Entries in the primary audit chain",
			},
		),
	}

	c.registry.MustRegister(
		c.EventsIngested,
		c.EventsDropped,
		c.EventRate,
		c.StageLatency,
		c.QueueDepth,
		c.DetectionsTotal,
		c.AlertsTotal,
		c.AlertsSuppressed,
		c.ResponseActions,
		c.EmergencyLevel,
		c.LockdownsTotal,
		c.ComponentHealthy,
		c.IntegrityViolations,
		c.ChainEntries,
	)

	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
