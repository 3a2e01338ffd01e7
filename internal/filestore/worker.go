package filestore

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval  = 15 * time.Minute
	defaultSweepBatchSize = 100
)

// WorkerConfig describes the dependencies of Worker.
type WorkerConfig struct {
	Queue     *Queue
	Storage   Storage
	Interval  time.Duration
	BatchSize int
	Logger    *zap.Logger
}

// Worker periodically removes files whose grace period has elapsed.
type Worker struct {
	queue     *Queue
	storage   Storage
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// SweepReport summarises one pass over the queue.
type SweepReport struct {
	Removed int
	Failed  int
}

// NewWorker constructs a sweeper over queue and storage.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errors.New("filestore: queue is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("filestore: storage is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Worker{
		queue:     cfg.Queue,
		storage:   cfg.Storage,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Run sweeps once immediately and then on every tick. It blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("file deletion worker started", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file deletion worker stopped", zap.String("reason", "context_cancelled"))
			return
		case <-ticker.C:
			w.sweepAndLog(ctx)
		}
	}
}

func (w *Worker) sweepAndLog(ctx context.Context) {
	report, err := w.Sweep(ctx)
	if err != nil {
		w.logger.Error("file deletion sweep failed", zap.Error(err))
		return
	}
	if report.Removed > 0 || report.Failed > 0 {
		w.logger.Info("file deletion sweep completed",
			zap.Int("removed", report.Removed),
			zap.Int("failed", report.Failed))
	}
}

// Sweep processes due requests, continuing past individual failures.
func (w *Worker) Sweep(ctx context.Context) (SweepReport, error) {
	due, err := w.queue.Due(ctx, w.batchSize)
	if err != nil {
		return SweepReport{}, err
	}
	metrics.FileDeletionBacklog.Set(float64(len(due)))

	var report SweepReport
	for _, request := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := w.remove(request); err != nil {
			report.Failed++
			metrics.FileDeletions.WithLabelValues("failed").Inc()
			w.logger.Warn("file deletion failed",
				zap.String("request_id", request.ID),
				zap.String("document_id", request.DocumentID),
				zap.String("file_path", request.FilePath),
				zap.Error(err))
			if markErr := w.queue.MarkFailed(ctx, request, err); markErr != nil {
				return report, markErr
			}
			continue
		}
		if err := w.queue.MarkCompleted(ctx, request.ID); err != nil {
			return report, err
		}
		report.Removed++
		metrics.FileDeletions.WithLabelValues("removed").Inc()
	}
	return report, nil
}

func (w *Worker) remove(request Request) error {
	if err := w.storage.Remove(request.FilePath); err != nil {
		return err
	}
	if request.CompressedFilePath != nil && *request.CompressedFilePath != "" {
		return w.storage.Remove(*request.CompressedFilePath)
	}
	return nil
}
