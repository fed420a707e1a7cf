package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BlockEmitted(1)
		m.ReorgDetected()
		m.Resubscribed()
		m.SetQueueLength(3)
		m.SetStreamState("idle", []string{"idle"})
		m.ObserveFetch(0, time.Millisecond, nil)
		m.WorkerRespawned(0)
		m.Delivery(nil)
		m.CheckpointWrite(1, nil)
		m.Restarted()
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Record(t *testing.T) {
	m := New("")
	require.NotNil(t, m.Registry())

	m.BlockEmitted(10)
	m.BlockEmitted(11)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BlocksEmittedTotal))
	assert.Equal(t, 11.0, testutil.ToFloat64(m.LastEmittedBlock))

	m.ObserveFetch(1, time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerJobsTotal.WithLabelValues("1", "error")))

	m.CheckpointWrite(5, nil)
	m.CheckpointWrite(6, errors.New("disk"))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.LastCheckpointBlock))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointWritesTotal.WithLabelValues("error")))

	m.SetStreamState("backfilling", []string{"idle", "backfilling"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamState.WithLabelValues("backfilling")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamState.WithLabelValues("idle")))
}

func TestNew_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New("a")
		New("a")
	})
}
