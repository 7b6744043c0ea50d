package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dlp"

// Metrics holds all the Prometheus metrics for the agent
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal        prometheus.Counter
	EventsIgnored      prometheus.Counter
	EventsFailed       prometheus.Counter
	DecisionsTotal     *prometheus.CounterVec
	RuleMatchesTotal   *prometheus.CounterVec
	PIIDetectionsTotal *prometheus.CounterVec
	FingerprintMatches prometheus.Counter
	EnforcementTotal   *prometheus.CounterVec
	PolicyUpdatesTotal *prometheus.CounterVec
	ActiveRules        prometheus.Gauge
	ScanDuration       prometheus.Histogram
	NatsPublishErrors  prometheus.Counter
}

// NewMetrics creates the metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_events_total",
			Help:      "Total number of file events processed",
		}),
		EventsIgnored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_events_ignored_total",
			Help:      "File events skipped by the extension or temp-file filter",
		}),
		EventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_events_failed_total",
			Help:      "File events that could not be decoded or scanned",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Policy decisions by outcome",
		}, []string{"decision"}),
		RuleMatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Content rule matches by rule kind",
		}, []string{"kind"}),
		PIIDetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pii_detections_total",
			Help:      "PII detections by type",
		}, []string{"type"}),
		FingerprintMatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_matches_total",
			Help:      "Files whose fingerprint matched a previously seen file",
		}),
		EnforcementTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_total",
			Help:      "Enforcement actions by action and result",
		}, []string{"action", "result"}),
		PolicyUpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_updates_total",
			Help:      "Policy update attempts by outcome",
		}, []string{"outcome"}),
		ActiveRules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rules",
			Help:      "Number of rules in the active snapshot",
		}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time spent scanning and evaluating one file event",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		NatsPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_errors_total",
			Help:      "Total number of NATS publish errors",
		}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDecision counts one resolved decision. An empty decision is
// recorded as "none".
func (m *Metrics) ObserveDecision(decision string) {
	if decision == "" {
		decision = "none"
	}
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveRuleMatch counts one content rule match.
func (m *Metrics) ObserveRuleMatch(kind string) {
	if kind == "" {
		kind = "condition"
	}
	m.RuleMatchesTotal.WithLabelValues(kind).Inc()
}

// ObservePII counts one PII detection.
func (m *Metrics) ObservePII(piiType string) {
	m.PIIDetectionsTotal.WithLabelValues(piiType).Inc()
}

// ObserveEnforcement counts an enforcement attempt.
func (m *Metrics) ObserveEnforcement(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EnforcementTotal.WithLabelValues(action, result).Inc()
}

// ObservePolicyUpdate counts a policy update outcome such as applied,
// rejected or rolled_back.
func (m *Metrics) ObservePolicyUpdate(outcome string) {
	m.PolicyUpdatesTotal.WithLabelValues(outcome).Inc()
}

// SetActiveRules records the size of the active snapshot.
func (m *Metrics) SetActiveRules(n int) {
	m.ActiveRules.Set(float64(n))
}
