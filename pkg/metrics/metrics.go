// Package metrics exposes Prometheus collectors for the block streaming pipeline.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace is used when New is given an empty namespace
const DefaultNamespace = "block_streamer"

// Metrics holds all Prometheus metrics for the streamer
type Metrics struct {
	registry *prometheus.Registry

	// Stream
	BlocksEmittedTotal  prometheus.Counter
	LastEmittedBlock    prometheus.Gauge
	ReorgsDetectedTotal prometheus.Counter
	ResubscribesTotal   prometheus.Counter
	BackfillQueueLength prometheus.Gauge
	StreamState         *prometheus.GaugeVec

	// Worker pool
	WorkerJobsTotal     *prometheus.CounterVec
	WorkerRespawnsTotal *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec

	// Producer
	DeliveriesTotal       *prometheus.CounterVec
	CheckpointWritesTotal *prometheus.CounterVec
	LastCheckpointBlock   prometheus.Gauge
	RestartsTotal         prometheus.Counter
}

// New creates the metrics on a fresh registry, which also carries the Go
// runtime and process collectors
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BlocksEmittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "blocks_emitted_total",
			Help:      "Total number of blocks released in order to the producer",
		}),
		LastEmittedBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "last_emitted_block",
			Help:      "Number of the most recently emitted block",
		}),
		ReorgsDetectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reorgs_detected_total",
			Help:      "Total number of parent-hash mismatches detected while emitting",
		}),
		ResubscribesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "resubscribes_total",
			Help:      "Total number of live subscriptions re-opened after going silent",
		}),
		BackfillQueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "queue_length",
			Help:      "Current number of pending fetches in the ordering queue",
		}),
		StreamState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "state",
			Help:      "1 for the current stream state, 0 otherwise",
		}, []string{"state"}),

		WorkerJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total number of block fetch jobs by worker and result",
		}, []string{"worker", "result"}),
		WorkerRespawnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "respawns_total",
			Help:      "Total number of worker respawns after a crash",
		}, []string{"worker"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "fetch_duration_seconds",
			Help:      "Time to fetch and format a block with receipts",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"worker"}),

		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "deliveries_total",
			Help:      "Total number of event bus delivery reports by result",
		}, []string{"result"}),
		CheckpointWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint writes by result",
		}, []string{"result"}),
		LastCheckpointBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "last_checkpoint_block",
			Help:      "Number of the most recently persisted checkpoint",
		}),
		RestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "restarts_total",
			Help:      "Total number of pipeline restarts after fatal errors",
		}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// BlockEmitted records an in-order emission
func (m *Metrics) BlockEmitted(number uint64) {
	if m == nil {
		return
	}
	m.BlocksEmittedTotal.Inc()
	m.LastEmittedBlock.Set(float64(number))
}

// ReorgDetected records a linkage failure
func (m *Metrics) ReorgDetected() {
	if m == nil {
		return
	}
	m.ReorgsDetectedTotal.Inc()
}

// Resubscribed records a liveness-triggered resubscription
func (m *Metrics) Resubscribed() {
	if m == nil {
		return
	}
	m.ResubscribesTotal.Inc()
}

// SetQueueLength records the ordering queue length
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.BackfillQueueLength.Set(float64(n))
}

// SetStreamState marks state as current and clears the others
func (m *Metrics) SetStreamState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.StreamState.WithLabelValues(s).Set(v)
	}
}

// ObserveFetch records one fetch job outcome
func (m *Metrics) ObserveFetch(worker int, d time.Duration, err error) {
	if m == nil {
		return
	}
	id := strconv.Itoa(worker)
	m.FetchDuration.WithLabelValues(id).Observe(d.Seconds())
	m.WorkerJobsTotal.WithLabelValues(id, resultLabel(err)).Inc()
}

// WorkerRespawned records a worker respawn
func (m *Metrics) WorkerRespawned(worker int) {
	if m == nil {
		return
	}
	m.WorkerRespawnsTotal.WithLabelValues(strconv.Itoa(worker)).Inc()
}

// Delivery records an event bus delivery report
func (m *Metrics) Delivery(err error) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// CheckpointWrite records a checkpoint write outcome
func (m *Metrics) CheckpointWrite(number uint64, err error) {
	if m == nil {
		return
	}
	m.CheckpointWritesTotal.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		m.LastCheckpointBlock.Set(float64(number))
	}
}

// Restarted records a pipeline restart
func (m *Metrics) Restarted() {
	if m == nil {
		return
	}
	m.RestartsTotal.Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
