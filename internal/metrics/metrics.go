// Package metrics exports pipeline run summaries as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatcal/internal/pipeline"
)

// Metrics holds Prometheus metrics for pipeline runs.
//
// Metrics:
//   - chatcal_runs_total{outcome} - Count of runs ("completed" or "aborted")
//   - chatcal_stage_items_total{stage} - Items that reached each stage
//   - chatcal_sink_events_total{result} - Sink deliveries ("succeeded" or "failed")
//   - chatcal_oracle_batches_total{result} - Oracle batches ("ok" or "failed")
//   - chatcal_run_duration_seconds - Histogram of run wall time
//   - chatcal_last_run_timestamp_seconds - Unix time of the last finished run
type Metrics struct {
	registry prometheus.Gatherer

	RunsTotal        *prometheus.CounterVec
	StageItemsTotal  *prometheus.CounterVec
	SinkEventsTotal  *prometheus.CounterVec
	OracleBatches    *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	LastRunTimestamp prometheus.Gauge
}

// New registers the metrics with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcal_runs_total",
				Help: "Total number of pipeline runs",
			},
			[]string{"outcome"},
		),
		StageItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcal_stage_items_total",
				Help: "Total number of items that reached each pipeline stage",
			},
			[]string{"stage"},
		),
		SinkEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcal_sink_events_total",
				Help: "Total number of calendar sink deliveries",
			},
			[]string{"result"},
		),
		OracleBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcal_oracle_batches_total",
				Help: "Total number of classification oracle batches",
			},
			[]string{"result"},
		),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcal_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		LastRunTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatcal_last_run_timestamp_seconds",
			Help: "Unix time of the last finished pipeline run",
		}),
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(s *pipeline.Summary) {
	outcome := "completed"
	if s.Aborted {
		outcome = "aborted"
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()

	stages := map[string]int{
		"ingested":            s.Ingested,
		"grouped":             s.Grouped,
		"scored_accepted":     s.ScoredAccepted,
		"classified_accepted": s.ClassifiedAccepted,
		"resolved":            s.Resolved,
		"duplicates":          s.Duplicates,
		"unresolved":          s.Unresolved,
	}
	for stage, n := range stages {
		m.StageItemsTotal.WithLabelValues(stage).Add(float64(n))
	}

	m.SinkEventsTotal.WithLabelValues("succeeded").Add(float64(s.SinkSucceeded))
	m.SinkEventsTotal.WithLabelValues("failed").Add(float64(s.SinkFailed))
	m.OracleBatches.WithLabelValues("ok").Add(float64(s.Batches - s.FailedBatches))
	m.OracleBatches.WithLabelValues("failed").Add(float64(s.FailedBatches))

	m.RunDuration.Observe(s.Duration().Seconds())
	if !s.FinishedAt.IsZero() {
		m.LastRunTimestamp.Set(float64(s.FinishedAt.Unix()))
	}
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
