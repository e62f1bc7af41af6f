// Package metrics provides Prometheus metrics for the experimentation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssignmentsTotal counts variant assignments per experiment.
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abengine",
			Name:      "assignments_total",
			Help:      "Total variant assignments created",
		},
		[]string{"experiment", "variant"},
	)

	// OutcomesTotal counts recorded outcome events per experiment and kind.
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abengine",
			Name:      "outcomes_total",
			Help:      "Total outcome events recorded",
		},
		[]string{"experiment", "kind"},
	)

	// ConversionRate tracks the latest computed conversion rate per variant.
	ConversionRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "abengine",
			Name:      "conversion_rate",
			Help:      "Latest computed conversion rate per variant",
		},
		[]string{"experiment", "variant"},
	)

	// ActiveExperiments tracks the number of active experiments.
	ActiveExperiments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "abengine",
			Name:      "active_experiments",
			Help:      "Number of experiments currently accepting traffic",
		},
	)

	// PromotionsTotal counts promotions by type (automatic/manual).
	PromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abengine",
			Name:      "promotions_total",
			Help:      "Total promotions created",
		},
		[]string{"type"},
	)

	// RollbacksTotal counts canary rollbacks.
	RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "abengine",
			Name:      "rollbacks_total",
			Help:      "Total canary rollbacks",
		},
	)

	// CanariesInFlight tracks promotions currently in the canary stage.
	CanariesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "abengine",
			Name:      "canaries_in_flight",
			Help:      "Promotions currently in the canary stage",
		},
	)

	// ScanDuration observes promotion scan sweep latency.
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "abengine",
			Name:      "scan_duration_seconds",
			Help:      "Promotion threshold scan duration",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// FeedEventsTotal counts outcome events ingested from the feed.
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abengine",
			Name:      "feed_events_total",
			Help:      "Outcome events ingested from the event feed",
		},
		[]string{"status"},
	)
)
