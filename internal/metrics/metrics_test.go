package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcal/internal/pipeline"
)

func summary() *pipeline.Summary {
	start := time.Date(2025, 6, 3, 7, 0, 0, 0, time.UTC)
	return &pipeline.Summary{
		StartedAt:          start,
		FinishedAt:         start.Add(12 * time.Second),
		Ingested:           120,
		Grouped:            14,
		ScoredAccepted:     6,
		ClassifiedAccepted: 3,
		Resolved:           3,
		SinkSucceeded:      2,
		SinkFailed:         1,
		Batches:            2,
		FailedBatches:      1,
	}
}

func TestObserveRun(t *testing.T) {
	m := New(nil)

	m.ObserveRun(summary())
	aborted := summary()
	aborted.Aborted = true
	m.ObserveRun(aborted)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("aborted")))
	assert.Equal(t, 240.0, testutil.ToFloat64(m.StageItemsTotal.WithLabelValues("ingested")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SinkEventsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OracleBatches.WithLabelValues("failed")))
	assert.Equal(t, float64(summary().FinishedAt.Unix()), testutil.ToFloat64(m.LastRunTimestamp))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.ObserveRun(summary())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatcal_runs_total")
	assert.Contains(t, string(body), "chatcal_run_duration_seconds_bucket")
}
