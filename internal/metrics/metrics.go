// Package metrics exposes the engine's self-instrumentation counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StatusChanges counts committed status transitions by new level.
	StatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostpulse",
		Name:      "status_changes_total",
		Help:      "Committed status transitions by resulting level.",
	}, []string{"level"})

	// AlertsCreated counts alerts created by kind.
	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostpulse",
		Name:      "alerts_created_total",
		Help:      "Alerts created by kind.",
	}, []string{"kind"})

	// AlertsSuppressed counts alert creations skipped by cooldown dedup.
	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostpulse",
		Name:      "alerts_suppressed_total",
		Help:      "Alert creations suppressed by cooldown deduplication.",
	}, []string{"kind"})

	// PublishFailures counts broadcast deliveries that failed. Publishing
	// is fire and forget, so failures are only ever counted and logged.
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hostpulse",
		Name:      "publish_failures_total",
		Help:      "Event broadcasts that could not be delivered.",
	})

	// JobRuns counts aggregation job executions by job name and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostpulse",
		Name:      "aggregation_job_runs_total",
		Help:      "Aggregation job executions by job and outcome.",
	}, []string{"job", "outcome"})

	// JobHostFailures counts per-host failures inside aggregation jobs.
	// A failing host is skipped, never aborts its batch.
	JobHostFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostpulse",
		Name:      "aggregation_host_failures_total",
		Help:      "Per-host failures during aggregation jobs.",
	}, []string{"job"})

	// SweepDuration observes how long a full status evaluation sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hostpulse",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one full status evaluation sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	// ConnectedClients tracks currently connected websocket subscribers.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hostpulse",
		Name:      "websocket_clients",
		Help:      "Currently connected websocket subscribers.",
	})
)
