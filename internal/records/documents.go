package records

import (
	"context"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Document access types written to document_access_logs.
const (
	AccessTypeDelete = "delete"
	AccessTypeView   = "view"
)

// AttachedDocument is the part of a media document the delete service needs.
type AttachedDocument struct {
	ID                 string
	FilePath           string
	CompressedFilePath *string
}

// DocumentStore is the media document repository. Besides the table contract it
// finds documents by owner and writes access logs.
type DocumentStore struct {
	*Store[MediaDocument, *MediaDocument]
	idProvider ids.Provider
}

// NewDocumentStore constructs the media document repository. idProvider names access log rows.
func NewDocumentStore(cfg StoreConfig, idProvider ids.Provider) (*DocumentStore, error) {
	if idProvider == nil {
		return nil, apperr.Internal("records.document_store.new.missing_id_provider")
	}
	store, err := NewStore[MediaDocument](cfg)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{Store: store, idProvider: idProvider}, nil
}

// FindAttachedWithTx returns the documents owned by (table, id). Soft-deleted
// documents are included only when includeDeleted is set.
func (d *DocumentStore) FindAttachedWithTx(tx *gorm.DB, table, id string, includeDeleted bool) ([]AttachedDocument, error) {
	var documents []MediaDocument
	query := tx.Where("related_table = ? AND related_id = ?", table, id)
	if !includeDeleted {
		query = query.Where("deleted_at IS NULL")
	}
	err := query.Order("id ASC").Find(&documents).Error
	if err != nil {
		d.logError("records.find_attached", err, zap.String("related_table", table), zap.String("related_id", id))
		return nil, apperr.Database(err)
	}
	attached := make([]AttachedDocument, 0, len(documents))
	for _, document := range documents {
		attached = append(attached, AttachedDocument{
			ID:                 document.ID,
			FilePath:           document.FilePath,
			CompressedFilePath: document.CompressedFilePath,
		})
	}
	return attached, nil
}

// FilesWithTx returns the stored files of document id, soft-deleted or not.
func (d *DocumentStore) FilesWithTx(tx *gorm.DB, id string) ([]AttachedDocument, error) {
	document, err := d.findWithTx(tx, id, true)
	if err != nil {
		return nil, err
	}
	if document.FilePath == "" {
		return nil, nil
	}
	return []AttachedDocument{{
		ID:                 document.ID,
		FilePath:           document.FilePath,
		CompressedFilePath: document.CompressedFilePath,
	}}, nil
}

// RecordAccess writes one access log row per document.
func (d *DocumentStore) RecordAccess(ctx context.Context, documentIDs []string, actor auth.Actor, accessType string, details *string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	now := d.clock().UTC()
	logs := make([]DocumentAccessLog, 0, len(documentIDs))
	for _, documentID := range documentIDs {
		id, err := d.idProvider.NewID()
		if err != nil {
			return apperr.Internalf("access_log_id_generation_failed", err)
		}
		logs = append(logs, DocumentAccessLog{
			ID:         id,
			DocumentID: documentID,
			UserID:     actor.UserID,
			DeviceID:   actor.DeviceID,
			AccessType: accessType,
			AccessedAt: now,
			Details:    details,
		})
	}
	if err := d.db.WithContext(ctx).Create(&logs).Error; err != nil {
		d.logError("records.record_access", err)
		return apperr.Database(err)
	}
	return nil
}

// AccessLogs returns the access trail of a document, newest last.
func (d *DocumentStore) AccessLogs(ctx context.Context, documentID string) ([]DocumentAccessLog, error) {
	var logs []DocumentAccessLog
	err := d.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("accessed_at ASC").
		Find(&logs).Error
	if err != nil {
		return nil, apperr.Database(err)
	}
	return logs, nil
}
