// Package metrics exposes pipeline instrumentation through Prometheus.
// Every stage counts its drops, errors, and throughput here; the
// registry is served on /metrics by the API server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline holds the instruments shared by all stages.
type Pipeline struct {
	registry *prometheus.Registry

	// Ingest (F)
	RecordsParsed  *prometheus.CounterVec
	ParseErrors    *prometheus.CounterVec
	RecordsDeduped prometheus.Counter
	DedupEvictions prometheus.Counter
	PublishDrops   *prometheus.CounterVec

	// Feature engine (E)
	LateRecords    prometheus.Counter
	WindowsOpen    prometheus.Gauge
	WindowsClosed  *prometheus.CounterVec
	WindowsEvicted prometheus.Counter

	// Ensemble (D)
	DetectorFailures *prometheus.CounterVec
	Detections       *prometheus.CounterVec
	ScoringSeconds   prometheus.Histogram

	// Agent (C)
	Decisions      *prometheus.CounterVec
	AgentFallbacks prometheus.Counter

	// Orchestrator (B)
	RulesActive       prometheus.Gauge
	RuleTransitions   *prometheus.CounterVec
	ValidationRejects *prometheus.CounterVec
	ConflictsResolved *prometheus.CounterVec

	// Adapters (A)
	AdapterOutcomes *prometheus.CounterVec
	AdapterLatency  *prometheus.HistogramVec

	// Audit (H) and alerting (I)
	AuditWrites      prometheus.Counter
	AuditWriteErrors prometheus.Counter
	AlertsPublished  *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	SinkErrors       *prometheus.CounterVec
}

// NewPipeline creates and registers all pipeline instruments on a
// fresh registry.
func NewPipeline() *Pipeline {
	reg := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "sentinel", Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	vec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "sentinel", Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "sentinel", Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	p := &Pipeline{
		registry: reg,

		RecordsParsed:  vec("records_parsed_total", "Records parsed per source framing.", "source"),
		ParseErrors:    vec("parse_errors_total", "Malformed records dropped, by reason.", "source", "reason"),
		RecordsDeduped: factory("records_deduped_total", "Duplicate records suppressed at ingest."),
		DedupEvictions: factory("dedup_evictions_total", "Dedup cache LRU evictions."),
		PublishDrops:   vec("publish_drops_total", "Records dropped after publish retries.", "topic"),

		LateRecords:    factory("late_records_total", "Records beyond allowed lateness."),
		WindowsOpen:    gauge("windows_open", "Windows currently open."),
		WindowsClosed:  vec("windows_closed_total", "Windows closed, by kind.", "kind"),
		WindowsEvicted: factory("windows_evicted_total", "Window keys evicted by the memory cap."),

		DetectorFailures: vec("detector_failures_total", "Detector errors, by detector.", "detector"),
		Detections:       vec("detections_total", "Detections emitted, by label.", "label"),
		ScoringSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel", Name: "scoring_seconds",
			Help:    "Wall time of one ensemble evaluation.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		Decisions:      vec("decisions_total", "Decisions emitted, by action.", "action"),
		AgentFallbacks: factory("agent_fallbacks_total", "Decisions produced by the fallback table."),

		RulesActive:       gauge("rules_active", "Rules currently active."),
		RuleTransitions:   vec("rule_transitions_total", "Rule lifecycle transitions.", "to"),
		ValidationRejects: vec("validation_rejects_total", "Rules rejected at validation.", "reason"),
		ConflictsResolved: vec("conflicts_resolved_total", "Rule conflicts resolved, by resolution.", "resolution"),

		AdapterOutcomes: vec("adapter_outcomes_total", "Adapter dispatch outcomes.", "adapter", "code"),
		AdapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel", Name: "adapter_seconds",
			Help:    "Latency of adapter calls.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"adapter", "op"}),

		AuditWrites:      factory("audit_writes_total", "Audit records written."),
		AuditWriteErrors: factory("audit_write_errors_total", "Audit write failures."),
		AlertsPublished:  vec("alerts_published_total", "Alerts published, by severity.", "severity"),
		AlertsSuppressed: factory("alerts_suppressed_total", "Alerts suppressed by dedup."),
		SinkErrors:       vec("sink_errors_total", "Alert sink failures, by sink.", "sink"),
	}
	reg.MustRegister(p.ScoringSeconds, p.AdapterLatency)
	return p
}

// Handler returns the HTTP handler serving the registry.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
