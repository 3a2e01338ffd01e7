package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeleteOutcomes counts delete service results by table and outcome
	// (hard_deleted, soft_deleted, dependencies_prevented, error).
	DeleteOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_delete_outcomes_total",
		Help: "Total number of delete requests by table and outcome",
	}, []string{"table", "outcome"})

	// CascadedRows counts rows removed because their parent was hard deleted.
	CascadedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_cascaded_rows_total",
		Help: "Total number of dependent rows and documents removed by cascading deletes",
	}, []string{"table"})

	// MergeOutcomes counts remote changes applied by mergers.
	MergeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_merge_outcomes_total",
		Help: "Total number of remote changes applied by table and outcome",
	}, []string{"table", "outcome"})

	// ConflictsDetected counts persisted sync conflicts by table and winner.
	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_conflicts_detected_total",
		Help: "Total number of sync conflicts detected during merge",
	}, []string{"table", "winner"})

	// BatchesFinalized counts sync batches reaching a terminal status.
	BatchesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_batches_finalized_total",
		Help: "Total number of sync batches finalized by direction and status",
	}, []string{"direction", "status"})

	// BatchSize tracks the number of items carried per sync batch.
	BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldsync_batch_size",
		Help:    "Number of items carried per sync batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	}, []string{"direction"})

	// FileDeletions counts physical file removal attempts by result (removed, failed).
	FileDeletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_file_deletions_total",
		Help: "Total number of queued file deletion attempts by result",
	}, []string{"result"})

	// FileDeletionBacklog is the number of open file deletion requests seen by the last sweep.
	FileDeletionBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_file_deletion_backlog",
		Help: "Current number of due file deletion requests",
	})
)
