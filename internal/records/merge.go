package records

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MergeKind classifies what a remote change did to local state.
type MergeKind string

const (
	MergeCreated     MergeKind = "created"
	MergeUpdated     MergeKind = "updated"
	MergeNoOp        MergeKind = "no_op"
	MergeHardDeleted MergeKind = "hard_deleted"
)

// Conflict winners.
const (
	WinnerLocal  = "local"
	WinnerRemote = "remote"
)

// MergeOutcome is the result of applying one remote change.
type MergeOutcome struct {
	Kind     MergeKind
	EntityID string
	Reason   string
	Conflict *ConflictReport
}

// ConflictReport describes a divergence between local state and a remote change.
// The merge resolves it last-writer-wins; the report is persisted for review.
type ConflictReport struct {
	FieldName         *string
	LocalOperationID  string
	RemoteOperationID string
	LocalValue        json.RawMessage
	RemoteValue       json.RawMessage
	Winner            string
}

// MergeRemoteChangeWithTx applies a remote create or update inside tx. pending is the
// newest unsynced local change for the same entity, if any.
func (s *Store[T, PT]) MergeRemoteChangeWithTx(tx *gorm.DB, entry changelog.Entry, pending *changelog.Entry) (MergeOutcome, error) {
	if entry.EntityTable != s.table {
		return MergeOutcome{}, apperr.Validation("entity_table_mismatch")
	}
	switch entry.OperationType {
	case changelog.OperationCreate, changelog.OperationUpdate:
	default:
		return MergeOutcome{}, apperr.Validation("unsupported_merge_operation")
	}
	if entry.IsFieldLevel() {
		return s.mergeField(tx, entry, pending)
	}
	return s.mergeRow(tx, entry, pending)
}

func (s *Store[T, PT]) mergeRow(tx *gorm.DB, entry changelog.Entry, pending *changelog.Entry) (MergeOutcome, error) {
	if entry.NewValue == nil {
		return MergeOutcome{}, apperr.Validation("missing_new_value")
	}
	remote := new(T)
	if err := json.Unmarshal([]byte(*entry.NewValue), remote); err != nil {
		return MergeOutcome{}, apperr.Validation("invalid_row_payload")
	}
	meta := PT(remote).Metadata()
	if meta.ID == "" {
		meta.ID = entry.EntityID
	}
	if meta.ID != entry.EntityID {
		return MergeOutcome{}, apperr.Validation("entity_id_mismatch")
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = entry.Timestamp
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = meta.UpdatedAt
	}
	meta.UpdatedAt = meta.UpdatedAt.UTC()
	meta.CreatedAt = meta.CreatedAt.UTC()
	if meta.UpdatedByUserID == "" {
		meta.UpdatedByUserID = entry.UserID
	}
	if meta.CreatedByUserID == "" {
		meta.CreatedByUserID = entry.UserID
	}
	if meta.UpdatedByDeviceID == nil {
		meta.UpdatedByDeviceID = entry.DeviceID
	}

	local, err := s.findWithTx(tx, entry.EntityID, true)
	if apperr.IsNotFound(err) {
		if err := tx.Create(remote).Error; err != nil {
			s.logError("records.merge_create", err, zap.String("id", entry.EntityID))
			return MergeOutcome{}, apperr.Database(err)
		}
		return MergeOutcome{Kind: MergeCreated, EntityID: entry.EntityID}, nil
	}
	if err != nil {
		return MergeOutcome{}, err
	}

	localMeta := PT(local).Metadata()
	localValue, remoteValue, equal, err := compareRows(local, remote)
	if err != nil {
		return MergeOutcome{}, err
	}
	if equal {
		return MergeOutcome{Kind: MergeNoOp, EntityID: entry.EntityID, Reason: "identical"}, nil
	}

	var conflict *ConflictReport
	if pending != nil {
		conflict = &ConflictReport{
			LocalOperationID:  pending.OperationID,
			RemoteOperationID: entry.OperationID,
			LocalValue:        localValue,
			RemoteValue:       remoteValue,
		}
	}

	if !meta.UpdatedAt.After(localMeta.UpdatedAt) {
		if conflict != nil {
			conflict.Winner = WinnerLocal
		}
		return MergeOutcome{Kind: MergeNoOp, EntityID: entry.EntityID, Reason: "local_newer", Conflict: conflict}, nil
	}

	meta.CreatedAt = localMeta.CreatedAt
	meta.CreatedByUserID = localMeta.CreatedByUserID
	meta.DeletedAt = localMeta.DeletedAt
	meta.DeletedByUserID = localMeta.DeletedByUserID
	meta.DeletedByDeviceID = localMeta.DeletedByDeviceID
	if err := tx.Save(remote).Error; err != nil {
		s.logError("records.merge_update", err, zap.String("id", entry.EntityID))
		return MergeOutcome{}, apperr.Database(err)
	}
	if conflict != nil {
		conflict.Winner = WinnerRemote
	}
	return MergeOutcome{Kind: MergeUpdated, EntityID: entry.EntityID, Conflict: conflict}, nil
}

func (s *Store[T, PT]) mergeField(tx *gorm.DB, entry changelog.Entry, pending *changelog.Entry) (MergeOutcome, error) {
	column := *entry.FieldName
	if !s.MergeableColumn(column) {
		return MergeOutcome{}, apperr.Validation("unknown_field")
	}

	local, err := s.findWithTx(tx, entry.EntityID, true)
	if apperr.IsNotFound(err) {
		return MergeOutcome{Kind: MergeNoOp, EntityID: entry.EntityID, Reason: "missing_locally"}, nil
	}
	if err != nil {
		return MergeOutcome{}, err
	}
	localMeta := PT(local).Metadata()

	fields, err := toFieldMap(local)
	if err != nil {
		return MergeOutcome{}, err
	}
	current := fields[column]
	remoteValue := decodeValue(entry.NewValue)
	if valuesEqual(current, remoteValue) {
		return MergeOutcome{Kind: MergeNoOp, EntityID: entry.EntityID, Reason: "identical"}, nil
	}

	divergent := pending != nil
	if entry.OldValue != nil && !valuesEqual(decodeValue(entry.OldValue), current) {
		divergent = true
	}

	var conflict *ConflictReport
	if divergent {
		localOperationID := ""
		if pending != nil {
			localOperationID = pending.OperationID
		}
		name := column
		conflict = &ConflictReport{
			FieldName:         &name,
			LocalOperationID:  localOperationID,
			RemoteOperationID: entry.OperationID,
			LocalValue:        mustMarshal(current),
			RemoteValue:       mustMarshal(remoteValue),
		}
	}

	timestamp := entry.Timestamp.UTC()
	if divergent && !timestamp.After(localMeta.UpdatedAt) {
		conflict.Winner = WinnerLocal
		return MergeOutcome{Kind: MergeNoOp, EntityID: entry.EntityID, Reason: "local_newer", Conflict: conflict}, nil
	}

	updatedAt := localMeta.UpdatedAt
	if timestamp.After(updatedAt) {
		updatedAt = timestamp
	}
	result := tx.Table(s.table).Where("id = ?", entry.EntityID).Updates(map[string]interface{}{
		column:                 remoteValue,
		"updated_at":           updatedAt,
		"updated_by_user_id":   entry.UserID,
		"updated_by_device_id": entry.DeviceID,
	})
	if result.Error != nil {
		s.logError("records.merge_field", result.Error, zap.String("id", entry.EntityID), zap.String("field", column))
		return MergeOutcome{}, apperr.Database(result.Error)
	}
	if conflict != nil {
		conflict.Winner = WinnerRemote
	}
	return MergeOutcome{Kind: MergeUpdated, EntityID: entry.EntityID, Conflict: conflict}, nil
}

var metadataKeys = []string{
	"created_at", "updated_at", "created_by_user_id", "updated_by_user_id", "updated_by_device_id",
	"deleted_at", "deleted_by_user_id", "deleted_by_device_id",
}

// compareRows compares business columns only; sync metadata is ignored.
func compareRows(local, remote interface{}) (json.RawMessage, json.RawMessage, bool, error) {
	localJSON, err := json.Marshal(local)
	if err != nil {
		return nil, nil, false, apperr.Internalf("row_encode_failed", err)
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return nil, nil, false, apperr.Internalf("row_encode_failed", err)
	}
	localFields, err := toFieldMap(local)
	if err != nil {
		return nil, nil, false, err
	}
	remoteFields, err := toFieldMap(remote)
	if err != nil {
		return nil, nil, false, err
	}
	for _, key := range metadataKeys {
		delete(localFields, key)
		delete(remoteFields, key)
	}
	return localJSON, remoteJSON, reflect.DeepEqual(localFields, remoteFields), nil
}

func toFieldMap(row interface{}) (map[string]interface{}, error) {
	encoded, err := json.Marshal(row)
	if err != nil {
		return nil, apperr.Internalf("row_encode_failed", err)
	}
	fields := map[string]interface{}{}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	if err := decoder.Decode(&fields); err != nil {
		return nil, apperr.Internalf("row_decode_failed", err)
	}
	return fields, nil
}

// decodeValue reads a journaled value. Values are JSON; anything else is taken as a
// plain string.
func decodeValue(raw *string) interface{} {
	if raw == nil {
		return nil
	}
	var value interface{}
	if err := json.Unmarshal([]byte(*raw), &value); err != nil {
		return *raw
	}
	return value
}

func valuesEqual(left, right interface{}) bool {
	if reflect.DeepEqual(left, right) {
		return true
	}
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}

func mustMarshal(value interface{}) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return encoded
}
