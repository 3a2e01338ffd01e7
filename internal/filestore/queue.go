package filestore

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultGracePeriod delays physical removal so that a recently synced peer can still
// fetch the file.
const DefaultGracePeriod = 24 * time.Hour

const (
	defaultMaxAttempts  = 5
	defaultRetryBackoff = time.Minute
	maxRetryBackoff     = 6 * time.Hour
)

var noOpLogger = zap.NewNop()

// Request is one queued physical file removal.
type Request struct {
	ID                 string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	DocumentID         string     `gorm:"column:document_id;size:64;not null;index" json:"document_id"`
	FilePath           string     `gorm:"column:file_path;not null" json:"file_path"`
	CompressedFilePath *string    `gorm:"column:compressed_file_path" json:"compressed_file_path,omitempty"`
	RequestedAt        time.Time  `gorm:"column:requested_at;not null" json:"requested_at"`
	RequestedBy        string     `gorm:"column:requested_by;size:64;not null" json:"requested_by"`
	GracePeriodSeconds int64      `gorm:"column:grace_period_seconds;not null" json:"grace_period_seconds"`
	NextAttemptAt      time.Time  `gorm:"column:next_attempt_at;not null;index" json:"next_attempt_at"`
	Attempts           int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError          *string    `gorm:"column:last_error" json:"last_error,omitempty"`
	CompletedAt        *time.Time `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
}

func (Request) TableName() string {
	return "file_deletion_queue"
}

// QueueConfig describes the dependencies of Queue.
type QueueConfig struct {
	Database    *gorm.DB
	IDProvider  ids.Provider
	Clock       func() time.Time
	GracePeriod time.Duration
	MaxAttempts int
	Logger      *zap.Logger
}

// Queue persists pending file removals.
type Queue struct {
	db          *gorm.DB
	idProvider  ids.Provider
	clock       func() time.Time
	gracePeriod time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// NewQueue constructs the file deletion queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errors.New("filestore: database handle is required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("filestore: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	grace := cfg.GracePeriod
	if grace < 0 {
		grace = 0
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		db:          cfg.Database,
		idProvider:  cfg.IDProvider,
		clock:       clock,
		gracePeriod: grace,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

// Enqueue stores requests due after the grace period. Missing ids and timestamps are filled in.
func (q *Queue) Enqueue(ctx context.Context, requests []Request) error {
	if len(requests) == 0 {
		return nil
	}
	now := q.clock().UTC()
	for index := range requests {
		request := &requests[index]
		if request.FilePath == "" {
			return apperr.Validation("missing_file_path")
		}
		if request.ID == "" {
			id, err := q.idProvider.NewID()
			if err != nil {
				return apperr.Internalf("file_deletion_id_generation_failed", err)
			}
			request.ID = id
		}
		if request.RequestedAt.IsZero() {
			request.RequestedAt = now
		}
		request.GracePeriodSeconds = int64(q.gracePeriod / time.Second)
		request.NextAttemptAt = request.RequestedAt.Add(q.gracePeriod).UTC()
	}
	if err := q.db.WithContext(ctx).Create(&requests).Error; err != nil {
		q.logger.Error("file deletion enqueue failed", zap.Error(err), zap.Int("count", len(requests)))
		return apperr.Database(err)
	}
	return nil
}

// Due returns open requests whose next attempt time has passed.
func (q *Queue) Due(ctx context.Context, limit int) ([]Request, error) {
	var requests []Request
	query := q.db.WithContext(ctx).
		Where("completed_at IS NULL AND attempts < ? AND next_attempt_at <= ?", q.maxAttempts, q.clock().UTC()).
		Order("next_attempt_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&requests).Error; err != nil {
		return nil, apperr.Database(err)
	}
	return requests, nil
}

// Pending returns every open request regardless of due time.
func (q *Queue) Pending(ctx context.Context) ([]Request, error) {
	var requests []Request
	if err := q.db.WithContext(ctx).Where("completed_at IS NULL").Order("requested_at ASC").Find(&requests).Error; err != nil {
		return nil, apperr.Database(err)
	}
	return requests, nil
}

// MarkCompleted records that the files of request id are gone.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	now := q.clock().UTC()
	result := q.db.WithContext(ctx).Model(&Request{}).Where("id = ?", id).Updates(map[string]interface{}{
		"completed_at": now,
		"attempts":     gorm.Expr("attempts + 1"),
		"last_error":   nil,
	})
	if result.Error != nil {
		return apperr.Database(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.EntityNotFound(Request{}.TableName(), id)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules a retry with exponential backoff.
func (q *Queue) MarkFailed(ctx context.Context, request Request, cause error) error {
	message := cause.Error()
	attempts := request.Attempts + 1
	next := q.clock().UTC().Add(retryBackoff(attempts))
	result := q.db.WithContext(ctx).Model(&Request{}).Where("id = ?", request.ID).Updates(map[string]interface{}{
		"attempts":        attempts,
		"last_error":      message,
		"next_attempt_at": next,
	})
	if result.Error != nil {
		return apperr.Database(result.Error)
	}
	if attempts >= q.maxAttempts {
		q.logger.Warn("file deletion abandoned",
			zap.String("request_id", request.ID),
			zap.String("file_path", request.FilePath),
			zap.Int("attempts", attempts))
	}
	return nil
}

func retryBackoff(attempts int) time.Duration {
	backoff := defaultRetryBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return backoff
}
