package deletion

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dependency reports live rows referencing an entity through one foreign key.
type Dependency struct {
	TableName        string `json:"table_name"`
	Count            int64  `json:"count"`
	ForeignKeyColumn string `json:"foreign_key_column"`
	IsCascadable     bool   `json:"is_cascadable"`
}

// Rule is one statically known reference from a dependent table to a parent table.
type Rule struct {
	DependentTable   string
	ForeignKeyColumn string
	Cascadable       bool
}

const documentForeignKeyColumn = "related_id"

var dependencyRules = map[string][]Rule{
	records.TableStrategicGoals: {
		{DependentTable: records.TableProjects, ForeignKeyColumn: "strategic_goal_id"},
	},
	records.TableProjects: {
		{DependentTable: records.TableWorkshops, ForeignKeyColumn: "project_id"},
		{DependentTable: records.TableActivities, ForeignKeyColumn: "project_id", Cascadable: true},
		{DependentTable: records.TableLivelihoods, ForeignKeyColumn: "project_id"},
		{DependentTable: records.TableProjectFunding, ForeignKeyColumn: "project_id"},
	},
	records.TableWorkshops: {
		{DependentTable: records.TableWorkshopParticipants, ForeignKeyColumn: "workshop_id", Cascadable: true},
	},
	records.TableParticipants: {
		{DependentTable: records.TableWorkshopParticipants, ForeignKeyColumn: "participant_id", Cascadable: true},
		{DependentTable: records.TableLivelihoods, ForeignKeyColumn: "participant_id", Cascadable: true},
	},
	records.TableLivelihoods: {
		{DependentTable: records.TableSubsequentGrants, ForeignKeyColumn: "livelihood_id", Cascadable: true},
	},
	records.TableDonors: {
		{DependentTable: records.TableProjectFunding, ForeignKeyColumn: "donor_id"},
	},
	records.TableDocumentTypes: {
		{DependentTable: records.TableMediaDocuments, ForeignKeyColumn: "type_id"},
	},
}

// Rules returns the modelled dependents of table.
func Rules(table string) []Rule {
	return append([]Rule(nil), dependencyRules[table]...)
}

// TracksAttachments reports whether documents may be attached to rows of table.
// Document types own documents through type_id instead.
func TracksAttachments(table string) bool {
	return table != records.TableDocumentTypes && table != records.TableMediaDocuments
}

// DependencyCheckerConfig describes the dependencies of DependencyChecker.
type DependencyCheckerConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// DependencyChecker counts live rows that reference an entity. It only reads.
type DependencyChecker struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDependencyChecker constructs a checker over the static dependency map.
func NewDependencyChecker(cfg DependencyCheckerConfig) (*DependencyChecker, error) {
	if cfg.Database == nil {
		return nil, apperr.Internalf("deletion.dependency_checker.new.missing_database", errors.New("database handle is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &DependencyChecker{db: cfg.Database, logger: logger}, nil
}

// CheckDependencies reports every non-zero reference to (table, id).
func (c *DependencyChecker) CheckDependencies(ctx context.Context, table, id string) ([]Dependency, error) {
	return c.CheckDependenciesWithTx(c.db.WithContext(ctx), table, id)
}

// CheckDependenciesWithTx runs the same checks on the caller's transaction.
func (c *DependencyChecker) CheckDependenciesWithTx(tx *gorm.DB, table, id string) ([]Dependency, error) {
	var dependencies []Dependency
	for _, rule := range dependencyRules[table] {
		var count int64
		err := tx.Table(rule.DependentTable).
			Where(rule.ForeignKeyColumn+" = ? AND deleted_at IS NULL", id).
			Count(&count).Error
		if err != nil {
			c.logger.Error("dependency check failed",
				zap.String("operation", "deletion.check_dependencies"),
				zap.String("table", table),
				zap.String("dependent_table", rule.DependentTable),
				zap.Error(err))
			return nil, apperr.Database(err)
		}
		if count == 0 {
			continue
		}
		dependencies = append(dependencies, Dependency{
			TableName:        rule.DependentTable,
			Count:            count,
			ForeignKeyColumn: rule.ForeignKeyColumn,
			IsCascadable:     rule.Cascadable,
		})
	}

	if !TracksAttachments(table) {
		return dependencies, nil
	}
	var documents int64
	err := tx.Table(records.TableMediaDocuments).
		Where("related_table = ? AND related_id = ? AND deleted_at IS NULL", table, id).
		Count(&documents).Error
	if err != nil {
		c.logger.Error("dependency check failed",
			zap.String("operation", "deletion.check_documents"),
			zap.String("table", table),
			zap.Error(err))
		return nil, apperr.Database(err)
	}
	if documents > 0 {
		// attachments follow their parent and never block
		dependencies = append(dependencies, Dependency{
			TableName:        records.TableMediaDocuments,
			Count:            documents,
			ForeignKeyColumn: documentForeignKeyColumn,
			IsCascadable:     true,
		})
	}
	return dependencies, nil
}

// DependencyTables returns the distinct table names of dependencies in order of appearance.
func DependencyTables(dependencies []Dependency) []string {
	seen := make(map[string]struct{}, len(dependencies))
	tables := make([]string, 0, len(dependencies))
	for _, dependency := range dependencies {
		if _, ok := seen[dependency.TableName]; ok {
			continue
		}
		seen[dependency.TableName] = struct{}{}
		tables = append(tables, dependency.TableName)
	}
	return tables
}

// BlockingTables returns the sorted tables of non-cascadable dependencies with rows.
func BlockingTables(dependencies []Dependency) []string {
	var blocking []Dependency
	for _, dependency := range dependencies {
		if !dependency.IsCascadable && dependency.Count > 0 {
			blocking = append(blocking, dependency)
		}
	}
	tables := DependencyTables(blocking)
	sort.Strings(tables)
	return tables
}

// CanHardDelete is true when nothing blocks a hard delete.
func CanHardDelete(dependencies []Dependency) bool {
	return len(BlockingTables(dependencies)) == 0
}
