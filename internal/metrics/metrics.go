// Package metrics exposes Prometheus instrumentation for the workflow
// engine and review queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rulesmith"

// Metrics holds the collectors shared across the daemon.
type Metrics struct {
	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec // status, reason
	StepDuration       *prometheus.HistogramVec
	StepFailures       *prometheus.CounterVec
	ExecutionsSwept    prometheus.Counter
	QueuePromotions    prometheus.Counter
	QueueReviews       *prometheus.CounterVec // status
}

// New creates and registers the collectors with reg. Passing
// prometheus.DefaultRegisterer wires them into the default /metrics
// handler; tests pass their own registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_started_total",
			Help:      "Total number of workflow executions started",
		}),
		ExecutionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_finished_total",
			Help:      "Total number of workflow executions reaching a terminal state",
		}, []string{"status", "reason"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual workflow steps in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10), // 10ms to ~3m
		}, []string{"step"}),
		StepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_failures_total",
			Help:      "Total number of failed workflow steps",
		}, []string{"step"}),
		ExecutionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_swept_total",
			Help:      "Total number of stale running executions failed by the sweeper",
		}),
		QueuePromotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "promotions_total",
			Help:      "Total number of novel drafts promoted to the review queue",
		}),
		QueueReviews: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "reviews_total",
			Help:      "Total number of review decisions applied to queue items",
		}, []string{"status"}),
	}
}

// NewNop returns metrics backed by a throwaway registry, for callers that
// do not export them.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
