// Package metrics provides Prometheus instrumentation for the batch merge engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Merge phases used as the "phase" label.
const (
	PhaseReduce  = "reduce"
	PhaseFinal   = "final"
	PhaseForward = "forward"
)

var (
	// BatchesOutstanding is the number of batches currently registered.
	BatchesOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchmerge_batches_outstanding",
		Help: "Number of batches currently held by the registry",
	})

	// BatchesDropped counts batches skipped because their files were gone or unreadable.
	BatchesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchmerge_batches_dropped_total",
		Help: "Total number of batches dropped during a merge",
	}, []string{"phase", "reason"})

	// RowsMerged counts rows written by each merge phase.
	RowsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchmerge_rows_merged_total",
		Help: "Total number of rows emitted by merge phase",
	}, []string{"phase"})

	// ReductionRounds counts claimed reduction rounds.
	ReductionRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchmerge_reduction_rounds_total",
		Help: "Total number of reduction rounds started",
	})

	// GroupMerges counts finished group merge tasks by result.
	GroupMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchmerge_group_merges_total",
		Help: "Total number of group merge tasks by result",
	}, []string{"result"})

	// MergeLatency tracks the wall time of group merges and the final merge.
	MergeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchmerge_merge_duration_seconds",
		Help:    "Duration of merge tasks in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"phase"})

	// ChunksPushed counts chunks handed to the output queue.
	ChunksPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchmerge_output_chunks_total",
		Help: "Total number of chunks pushed to the output queue",
	})

	// SinkRows counts rows written to the output sink.
	SinkRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchmerge_sink_rows_total",
		Help: "Total number of rows written by sink",
	}, []string{"sink"})

	// RowsFiltered counts rows removed by output filters.
	RowsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchmerge_rows_filtered_total",
		Help: "Total number of rows removed by output filter",
	}, []string{"filter"})

	// Errors counts errors by component.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchmerge_errors_total",
		Help: "Total number of errors by component",
	}, []string{"component"})
)

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go server.ListenAndServe()
	return server
}
