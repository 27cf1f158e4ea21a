// Package metrics exposes Prometheus collectors for stage and pipeline outcomes.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	stagePolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_stage_polls_total",
			Help: "Status queries per stage kind and observed state.",
		},
		[]string{"kind", "state"},
	)

	stageResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_stage_results_total",
			Help: "Terminal stage outcomes per stage kind.",
		},
		[]string{"kind", "final_state"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etl_stage_duration_seconds",
			Help:    "Wall-clock time from start to terminal state per stage.",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"kind", "final_state"},
	)

	pipelineResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_pipeline_results_total",
			Help: "Pipeline runs by overall state.",
		},
		[]string{"overall_state"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(stagePolls, stageResults, stageDuration, pipelineResults)
	})
}

// ObservePoll counts one status query. state is "transport_error" when the
// service could not be reached.
func ObservePoll(kind, state string) {
	stagePolls.WithLabelValues(kind, state).Inc()
}

// ObserveStage records a terminal stage outcome.
func ObserveStage(kind, finalState string, elapsed time.Duration) {
	stageResults.WithLabelValues(kind, finalState).Inc()
	stageDuration.WithLabelValues(kind, finalState).Observe(elapsed.Seconds())
}

// ObservePipeline records a pipeline outcome.
func ObservePipeline(overallState string) {
	pipelineResults.WithLabelValues(overallState).Inc()
}
