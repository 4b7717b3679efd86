package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calebwren/imagegate/internal/model"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_executions_total",
			Help: "Total number of pipeline executions by outcome.",
		},
		[]string{"outcome"},
	)

	executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imagegate_execution_duration_seconds",
			Help:    "End-to-end pipeline execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagegate_stage_duration_seconds",
			Help:    "Per-stage execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(stageDuration)
}

// observeOutcome mirrors one recorded outcome into the Prometheus registry.
func observeOutcome(outcome Outcome, total time.Duration, timings []model.StageTiming) {
	executionsTotal.WithLabelValues(outcome.String()).Inc()
	if outcome == OutcomeRejected {
		return
	}
	executionDuration.Observe(total.Seconds())
	for _, st := range timings {
		stageDuration.WithLabelValues(st.Stage).Observe(st.Duration.Seconds())
	}
}
