package deletion

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"go.uber.org/zap"
)

// BatchDeleteResult classifies every requested id into exactly one of HardDeleted,
// SoftDeleted or Failed. Dependencies holds the blocking tables of soft-deleted and
// prevented ids; Errors holds the error of every id that failed with one.
type BatchDeleteResult struct {
	HardDeleted  []string            `json:"hard_deleted"`
	SoftDeleted  []string            `json:"soft_deleted"`
	Failed       []string            `json:"failed"`
	Dependencies map[string][]string `json:"dependencies"`
	Errors       map[string]error    `json:"-"`
}

func newBatchDeleteResult(size int) BatchDeleteResult {
	return BatchDeleteResult{
		HardDeleted:  make([]string, 0, size),
		SoftDeleted:  make([]string, 0, size),
		Failed:       make([]string, 0),
		Dependencies: map[string][]string{},
		Errors:       map[string]error{},
	}
}

// ErrorMessages renders Errors for transports that cannot carry error values.
func (r BatchDeleteResult) ErrorMessages() map[string]string {
	messages := make(map[string]string, len(r.Errors))
	for id, err := range r.Errors {
		messages[id] = err.Error()
	}
	return messages
}

func (r BatchDeleteResult) softDeleted(id string) bool {
	for _, candidate := range r.SoftDeleted {
		if candidate == id {
			return true
		}
	}
	return false
}

// BatchDelete deletes ids one by one, each in its own transaction. A failing id never
// undoes the ids before it. Cancellation stops the batch between ids and returns the
// partial result with the context error.
func (s *Service[T]) BatchDelete(ctx context.Context, ids []string, actor auth.Actor, opts DeleteOptions) (BatchDeleteResult, error) {
	result := newBatchDeleteResult(len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := s.Delete(ctx, id, actor, opts)
		if err != nil {
			result.Failed = append(result.Failed, id)
			result.Errors[id] = err
			continue
		}
		switch outcome.Outcome {
		case OutcomeHardDeleted:
			result.HardDeleted = append(result.HardDeleted, id)
		case OutcomeSoftDeleted:
			result.SoftDeleted = append(result.SoftDeleted, id)
			if len(outcome.Dependencies) > 0 {
				result.Dependencies[id] = outcome.Dependencies
			}
		case OutcomeDependenciesPrevented:
			result.Failed = append(result.Failed, id)
			result.Dependencies[id] = outcome.Dependencies
		}
	}
	if len(result.Failed) > 0 {
		s.logger.Warn("batch delete finished with failures",
			zap.String("table", s.repository.EntityName()),
			zap.Int("requested", len(ids)),
			zap.Int("failed", len(result.Failed)))
	}
	return result, nil
}

// FailureKind classifies why an id of a batch was not deleted.
type FailureKind string

const (
	FailureDependenciesPrevented        FailureKind = "dependencies_prevented"
	FailureSoftDeletedDueToDependencies FailureKind = "soft_deleted_due_to_dependencies"
	FailureNotFound                     FailureKind = "not_found"
	FailureAuthorizationFailed          FailureKind = "authorization_failed"
	FailureDatabaseError                FailureKind = "database_error"
	FailureUnknown                      FailureKind = "unknown"
)

type FailureReason struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

// FailedDeleteDetail explains one failed id. Entity is nil when the row could not be read.
type FailedDeleteDetail[T any] struct {
	ID           string        `json:"id"`
	Entity       *T            `json:"entity,omitempty"`
	Reason       FailureReason `json:"reason"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

// ClassifyFailure derives the reason id is listed as failed in result.
func ClassifyFailure(result BatchDeleteResult, id string) FailureReason {
	if err, ok := result.Errors[id]; ok && err != nil {
		switch {
		case errors.Is(err, apperr.ErrEntityNotFound):
			return FailureReason{Kind: FailureNotFound, Message: err.Error()}
		case errors.Is(err, apperr.ErrAuthorizationFailed):
			return FailureReason{Kind: FailureAuthorizationFailed, Message: err.Error()}
		case errors.Is(err, apperr.ErrDatabase):
			return FailureReason{Kind: FailureDatabaseError, Message: err.Error()}
		default:
			return FailureReason{Kind: FailureUnknown, Message: err.Error()}
		}
	}
	if dependencies := result.Dependencies[id]; len(dependencies) > 0 {
		if result.softDeleted(id) {
			return FailureReason{Kind: FailureSoftDeletedDueToDependencies}
		}
		return FailureReason{Kind: FailureDependenciesPrevented}
	}
	return FailureReason{Kind: FailureUnknown}
}

// FailedDeleteDetails re-reads every failed id of result and classifies its failure.
// Rows that cannot be read are reported without an entity.
func (s *Service[T]) FailedDeleteDetails(ctx context.Context, result BatchDeleteResult) ([]FailedDeleteDetail[T], error) {
	details := make([]FailedDeleteDetail[T], 0, len(result.Failed))
	for _, id := range result.Failed {
		if err := ctx.Err(); err != nil {
			return details, err
		}
		entity, err := s.repository.FindByID(ctx, id)
		if err != nil {
			entity = nil
			if !apperr.IsNotFound(err) {
				s.logError(opFailedDetails, "entity_lookup_failed", err, zap.String("id", id))
			}
		}
		details = append(details, FailedDeleteDetail[T]{
			ID:           id,
			Entity:       entity,
			Reason:       ClassifyFailure(result, id),
			Dependencies: result.Dependencies[id],
		})
	}
	return details, nil
}

// Deleter is the table-independent view of a Service used by mergers and transports.
type Deleter interface {
	EntityName() string
	CheckDependencies(ctx context.Context, id string) ([]Dependency, error)
	Delete(ctx context.Context, id string, actor auth.Actor, opts DeleteOptions) (DeleteResult, error)
	DeleteWithDependencies(ctx context.Context, id string, actor auth.Actor) (DeleteResult, error)
	BatchDelete(ctx context.Context, ids []string, actor auth.Actor, opts DeleteOptions) (BatchDeleteResult, error)
	DescribeFailures(ctx context.Context, result BatchDeleteResult) ([]FailedDeleteDetail[any], error)
}

// DescribeFailures is FailedDeleteDetails with the entity type erased.
func (s *Service[T]) DescribeFailures(ctx context.Context, result BatchDeleteResult) ([]FailedDeleteDetail[any], error) {
	typed, err := s.FailedDeleteDetails(ctx, result)
	described := make([]FailedDeleteDetail[any], 0, len(typed))
	for _, detail := range typed {
		var entity *any
		if detail.Entity != nil {
			var value any = detail.Entity
			entity = &value
		}
		described = append(described, FailedDeleteDetail[any]{
			ID:           detail.ID,
			Entity:       entity,
			Reason:       detail.Reason,
			Dependencies: detail.Dependencies,
		})
	}
	return described, err
}
