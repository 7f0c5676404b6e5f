package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the covenant service
type Metrics struct {
	EvaluationsTotal    *prometheus.CounterVec
	EvaluationCacheHits prometheus.Counter
	EvaluationDuration  prometheus.Histogram
	EvaluationTimeouts  prometheus.Counter

	AuditAppendsTotal *prometheus.CounterVec
	AuditChainValid   prometheus.Gauge
	AuditAppendErrors prometheus.Counter

	ViolationsTotal   *prometheus.CounterVec
	ContainmentsTotal prometheus.Counter
	ContainmentFailed prometheus.Counter

	ReviewsEnqueued *prometheus.CounterVec
	ReviewsDecided  *prometheus.CounterVec
	ReviewsTimedOut prometheus.Counter
	ReviewsPending  prometheus.Gauge

	EventsPublished    *prometheus.CounterVec
	EventPublishErrors prometheus.Counter

	RulesActive prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all collectors registered
func NewMetrics() *Metrics {
	return &Metrics{
		EvaluationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_evaluations_total",
			Help: "Total number of policy evaluations by verdict",
		}, []string{"result"}),
		EvaluationCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "covenant_evaluation_cache_hits_total",
			Help: "Total number of evaluation cache hits",
		}),
		EvaluationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "covenant_evaluation_duration_seconds",
			Help:    "Policy evaluation latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		}),
		EvaluationTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "covenant_evaluation_timeouts_total",
			Help: "Total number of evaluations that timed out and failed closed",
		}),
		AuditAppendsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_audit_appends_total",
			Help: "Total number of audit events appended by partition",
		}, []string{"partition"}),
		AuditChainValid: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "covenant_audit_chain_valid",
			Help: "1 when the last chain verification succeeded, 0 otherwise",
		}),
		AuditAppendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "covenant_audit_append_errors_total",
			Help: "Total number of failed audit appends",
		}),
		ViolationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_sandbox_violations_total",
			Help: "Total number of sandbox violations by type and severity",
		}, []string{"type", "severity"}),
		ContainmentsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "covenant_containments_total",
			Help: "Total number of containment actions issued",
		}),
		ContainmentFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "covenant_containment_failures_total",
			Help: "Total number of containment actions that failed",
		}),
		ReviewsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_reviews_enqueued_total",
			Help: "Total number of human review requests enqueued by priority",
		}, []string{"priority"}),
		ReviewsDecided: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_reviews_decided_total",
			Help: "Total number of human review decisions by outcome",
		}, []string{"decision"}),
		ReviewsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "covenant_reviews_timed_out_total",
			Help: "Total number of review requests auto-escalated by timeout",
		}),
		ReviewsPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "covenant_reviews_pending",
			Help: "Current number of pending review requests",
		}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "covenant_events_published_total",
			Help: "Total number of events published by topic",
		}, []string{"topic"}),
		EventPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "covenant_event_publish_errors_total",
			Help: "Total number of event publish errors",
		}),
		RulesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "covenant_rules_active",
			Help: "Current number of active policy rules",
		}),
	}
}
