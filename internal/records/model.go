package records

import "time"

const (
	TableStrategicGoals       = "strategic_goals"
	TableProjects             = "projects"
	TableWorkshops            = "workshops"
	TableActivities           = "activities"
	TableLivelihoods          = "livelihoods"
	TableSubsequentGrants     = "subsequent_grants"
	TableDonors               = "donors"
	TableProjectFunding       = "project_funding"
	TableParticipants         = "participants"
	TableWorkshopParticipants = "workshop_participants"
	TableDocumentTypes        = "document_types"
	TableMediaDocuments       = "media_documents"
	TableDocumentAccessLogs   = "document_access_logs"
)

// SyncMetadata is embedded by every synchronized row. Timestamps are written by the
// application, never by gorm, so remote values survive a merge untouched.
type SyncMetadata struct {
	ID                string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
	CreatedByUserID   string     `gorm:"column:created_by_user_id;size:64" json:"created_by_user_id"`
	UpdatedByUserID   string     `gorm:"column:updated_by_user_id;size:64" json:"updated_by_user_id"`
	UpdatedByDeviceID *string    `gorm:"column:updated_by_device_id;size:64" json:"updated_by_device_id,omitempty"`
	DeletedAt         *time.Time `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
	DeletedByUserID   *string    `gorm:"column:deleted_by_user_id;size:64" json:"deleted_by_user_id,omitempty"`
	DeletedByDeviceID *string    `gorm:"column:deleted_by_device_id;size:64" json:"deleted_by_device_id,omitempty"`
}

func (m *SyncMetadata) Metadata() *SyncMetadata {
	return m
}

// IsDeleted reports whether the row carries a soft-delete marker.
func (m *SyncMetadata) IsDeleted() bool {
	return m.DeletedAt != nil
}

type StrategicGoal struct {
	SyncMetadata
	ObjectiveCode   string   `gorm:"column:objective_code;size:64;not null" json:"objective_code"`
	Outcome         *string  `gorm:"column:outcome" json:"outcome,omitempty"`
	KPI             *string  `gorm:"column:kpi" json:"kpi,omitempty"`
	TargetValue     *float64 `gorm:"column:target_value" json:"target_value,omitempty"`
	ActualValue     *float64 `gorm:"column:actual_value" json:"actual_value,omitempty"`
	StatusID        *int64   `gorm:"column:status_id" json:"status_id,omitempty"`
	ResponsibleTeam *string  `gorm:"column:responsible_team" json:"responsible_team,omitempty"`
}

func (StrategicGoal) TableName() string { return TableStrategicGoals }

type Project struct {
	SyncMetadata
	StrategicGoalID *string `gorm:"column:strategic_goal_id;size:64;index" json:"strategic_goal_id,omitempty"`
	Name            string  `gorm:"column:name;not null" json:"name"`
	Objective       *string `gorm:"column:objective" json:"objective,omitempty"`
	Outcome         *string `gorm:"column:outcome" json:"outcome,omitempty"`
	StatusID        *int64  `gorm:"column:status_id" json:"status_id,omitempty"`
	Timeline        *string `gorm:"column:timeline" json:"timeline,omitempty"`
	ResponsibleTeam *string `gorm:"column:responsible_team" json:"responsible_team,omitempty"`
}

func (Project) TableName() string { return TableProjects }

type Workshop struct {
	SyncMetadata
	ProjectID        *string  `gorm:"column:project_id;size:64;index" json:"project_id,omitempty"`
	Purpose          *string  `gorm:"column:purpose" json:"purpose,omitempty"`
	EventDate        *string  `gorm:"column:event_date;size:10" json:"event_date,omitempty"`
	Location         *string  `gorm:"column:location" json:"location,omitempty"`
	Budget           *float64 `gorm:"column:budget" json:"budget,omitempty"`
	Actuals          *float64 `gorm:"column:actuals" json:"actuals,omitempty"`
	ParticipantCount int64    `gorm:"column:participant_count;not null;default:0" json:"participant_count"`
}

func (Workshop) TableName() string { return TableWorkshops }

type Activity struct {
	SyncMetadata
	ProjectID   *string  `gorm:"column:project_id;size:64;index" json:"project_id,omitempty"`
	Description *string  `gorm:"column:description" json:"description,omitempty"`
	KPI         *string  `gorm:"column:kpi" json:"kpi,omitempty"`
	TargetValue *float64 `gorm:"column:target_value" json:"target_value,omitempty"`
	ActualValue *float64 `gorm:"column:actual_value" json:"actual_value,omitempty"`
	StatusID    *int64   `gorm:"column:status_id" json:"status_id,omitempty"`
}

func (Activity) TableName() string { return TableActivities }

type Participant struct {
	SyncMetadata
	Name       string  `gorm:"column:name;not null" json:"name"`
	Gender     *string `gorm:"column:gender;size:16" json:"gender,omitempty"`
	Disability bool    `gorm:"column:disability;not null;default:false" json:"disability"`
	AgeGroup   *string `gorm:"column:age_group;size:16" json:"age_group,omitempty"`
	Location   *string `gorm:"column:location" json:"location,omitempty"`
}

func (Participant) TableName() string { return TableParticipants }

type WorkshopParticipant struct {
	SyncMetadata
	WorkshopID     string  `gorm:"column:workshop_id;size:64;not null;index" json:"workshop_id"`
	ParticipantID  string  `gorm:"column:participant_id;size:64;not null;index" json:"participant_id"`
	PreEvaluation  *string `gorm:"column:pre_evaluation" json:"pre_evaluation,omitempty"`
	PostEvaluation *string `gorm:"column:post_evaluation" json:"post_evaluation,omitempty"`
}

func (WorkshopParticipant) TableName() string { return TableWorkshopParticipants }

type Livelihood struct {
	SyncMetadata
	ParticipantID *string  `gorm:"column:participant_id;size:64;index" json:"participant_id,omitempty"`
	ProjectID     *string  `gorm:"column:project_id;size:64;index" json:"project_id,omitempty"`
	GrantAmount   *float64 `gorm:"column:grant_amount" json:"grant_amount,omitempty"`
	Purpose       *string  `gorm:"column:purpose" json:"purpose,omitempty"`
	Progress1     *string  `gorm:"column:progress1" json:"progress1,omitempty"`
	Progress2     *string  `gorm:"column:progress2" json:"progress2,omitempty"`
	OutcomeStatus *string  `gorm:"column:outcome_status" json:"outcome_status,omitempty"`
}

func (Livelihood) TableName() string { return TableLivelihoods }

type SubsequentGrant struct {
	SyncMetadata
	LivelihoodID string   `gorm:"column:livelihood_id;size:64;not null;index" json:"livelihood_id"`
	Amount       *float64 `gorm:"column:amount" json:"amount,omitempty"`
	Purpose      *string  `gorm:"column:purpose" json:"purpose,omitempty"`
	GrantDate    *string  `gorm:"column:grant_date;size:10" json:"grant_date,omitempty"`
}

func (SubsequentGrant) TableName() string { return TableSubsequentGrants }

type Donor struct {
	SyncMetadata
	Name          string  `gorm:"column:name;not null" json:"name"`
	TypeName      *string `gorm:"column:type_name" json:"type_name,omitempty"`
	ContactPerson *string `gorm:"column:contact_person" json:"contact_person,omitempty"`
	Email         *string `gorm:"column:email" json:"email,omitempty"`
	Country       *string `gorm:"column:country" json:"country,omitempty"`
}

func (Donor) TableName() string { return TableDonors }

type ProjectFunding struct {
	SyncMetadata
	ProjectID *string  `gorm:"column:project_id;size:64;index" json:"project_id,omitempty"`
	DonorID   *string  `gorm:"column:donor_id;size:64;index" json:"donor_id,omitempty"`
	GrantID   *string  `gorm:"column:grant_id" json:"grant_id,omitempty"`
	Amount    *float64 `gorm:"column:amount" json:"amount,omitempty"`
	Currency  string   `gorm:"column:currency;size:3;not null;default:'AUD'" json:"currency"`
	StartDate *string  `gorm:"column:start_date;size:10" json:"start_date,omitempty"`
	EndDate   *string  `gorm:"column:end_date;size:10" json:"end_date,omitempty"`
}

func (ProjectFunding) TableName() string { return TableProjectFunding }

type DocumentType struct {
	SyncMetadata
	Name              string  `gorm:"column:name;not null" json:"name"`
	AllowedExtensions string  `gorm:"column:allowed_extensions;not null" json:"allowed_extensions"`
	MaxSize           int64   `gorm:"column:max_size;not null" json:"max_size"`
	CompressionLevel  int64   `gorm:"column:compression_level;not null;default:6" json:"compression_level"`
	Description       *string `gorm:"column:description" json:"description,omitempty"`
}

func (DocumentType) TableName() string { return TableDocumentTypes }

// MediaDocument is an attachment owned by a row of any table (related_table, related_id).
type MediaDocument struct {
	SyncMetadata
	RelatedTable       string  `gorm:"column:related_table;size:64;not null;index:idx_media_documents_related,priority:1" json:"related_table"`
	RelatedID          string  `gorm:"column:related_id;size:64;not null;index:idx_media_documents_related,priority:2" json:"related_id"`
	TypeID             string  `gorm:"column:type_id;size:64;not null;index" json:"type_id"`
	OriginalFilename   string  `gorm:"column:original_filename;not null" json:"original_filename"`
	FilePath           string  `gorm:"column:file_path;not null" json:"file_path"`
	CompressedFilePath *string `gorm:"column:compressed_file_path" json:"compressed_file_path,omitempty"`
	SizeBytes          int64   `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`
	MimeType           string  `gorm:"column:mime_type;not null" json:"mime_type"`
	FieldIdentifier    *string `gorm:"column:field_identifier" json:"field_identifier,omitempty"`
}

func (MediaDocument) TableName() string { return TableMediaDocuments }

// DocumentAccessLog is a local-only audit row; it is never synchronized.
type DocumentAccessLog struct {
	ID         string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	DocumentID string    `gorm:"column:document_id;size:64;not null;index" json:"document_id"`
	UserID     string    `gorm:"column:user_id;size:64;not null" json:"user_id"`
	DeviceID   string    `gorm:"column:device_id;size:64;not null" json:"device_id"`
	AccessType string    `gorm:"column:access_type;size:32;not null" json:"access_type"`
	AccessedAt time.Time `gorm:"column:accessed_at;not null" json:"accessed_at"`
	Details    *string   `gorm:"column:details" json:"details,omitempty"`
}

func (DocumentAccessLog) TableName() string { return TableDocumentAccessLogs }

// Models lists every model backed by a table, for schema migration.
func Models() []interface{} {
	return []interface{}{
		&StrategicGoal{},
		&Project{},
		&Workshop{},
		&Activity{},
		&Participant{},
		&WorkshopParticipant{},
		&Livelihood{},
		&SubsequentGrant{},
		&Donor{},
		&ProjectFunding{},
		&DocumentType{},
		&MediaDocument{},
		&DocumentAccessLog{},
	}
}
