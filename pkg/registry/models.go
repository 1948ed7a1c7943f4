// Package registry is the durable ledger of version records. It owns version
// identity, the lifecycle state machine, the append-only operation log and
// the production pointer; every other component requests state changes here
// before touching a store.
package registry

import "time"

// VersionType tags a version record. Exactly one baseline ever exists.
type VersionType string

const (
	TypeBaseline VersionType = "baseline"
	TypeMinor    VersionType = "minor"
	TypeMajor    VersionType = "major"
)

// State is a version lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StateStaging     State = "staging"
	StateValidating  State = "validating"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateArchived    State = "archived"
	StateCancelled   State = "cancelled"
)

// Active reports whether the state counts against the single-active-migration
// invariant. At most one record may be in an active state at any time.
func (s State) Active() bool {
	switch s {
	case StatePending, StateStaging, StateValidating, StateRollingBack:
		return true
	}
	return false
}

// Operation types recorded in the operation log.
const (
	OpMigration  = "migration"
	OpRollback   = "rollback"
	OpValidation = "validation"
	OpArchive    = "archive"
)

// Operation statuses.
const (
	OpStatusStarted   = "started"
	OpStatusCompleted = "completed"
	OpStatusFailed    = "failed"
)

// VersionRecord is the authoritative row for one version.
type VersionRecord struct {
	ID                 string      `gorm:"primaryKey;column:id;type:varchar(64)" json:"id"`
	Seq                int64       `gorm:"column:seq;uniqueIndex;not null" json:"seq"`
	Type               VersionType `gorm:"column:type;index;not null" json:"type"`
	State              State       `gorm:"column:state;index;not null" json:"state"`
	StatusMessage      string      `gorm:"column:status_message;type:text" json:"statusMessage,omitempty"`
	ExpectedGroups     int64       `gorm:"column:expected_groups" json:"expectedGroups"`
	ExpectedLeaves     int64       `gorm:"column:expected_leaves" json:"expectedLeaves"`
	RelationalSnapshot string      `gorm:"column:relational_snapshot;type:text" json:"relationalSnapshot,omitempty"`
	VectorSnapshot     string      `gorm:"column:vector_snapshot;type:text" json:"vectorSnapshot,omitempty"`
	GraphSnapshot      string      `gorm:"column:graph_snapshot;type:text" json:"graphSnapshot,omitempty"`
	ArchiveURI         string      `gorm:"column:archive_uri" json:"archiveUri,omitempty"`
	ValidationPassed   bool        `gorm:"column:validation_passed" json:"validationPassed"`
	Actor              string      `gorm:"column:actor;not null" json:"actor"`
	Notes              string      `gorm:"column:notes;type:text" json:"notes,omitempty"`
	CreatedAt          time.Time   `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time   `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName returns the GORM table name.
func (VersionRecord) TableName() string { return "version_records" }

// OperationLogEntry is an append-only audit row. Entries are created when an
// operation starts and completed exactly once; they are never mutated after
// completion.
type OperationLogEntry struct {
	ID          string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	VersionID   string     `gorm:"column:version_id;index:idx_oplog_version;not null"`
	Operation   string     `gorm:"column:operation;not null"`
	Status      string     `gorm:"column:status;not null"`
	Details     string     `gorm:"column:details;type:text"`
	StartedAt   time.Time  `gorm:"column:started_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

// TableName returns the GORM table name.
func (OperationLogEntry) TableName() string { return "operation_log" }

// ProductionPointerRecord is the singleton "current production copy" cell.
// Token increases on every advance and is the optimistic-concurrency guard.
type ProductionPointerRecord struct {
	ID        string    `gorm:"primaryKey;column:id"`
	VersionID string    `gorm:"column:version_id;not null"`
	Token     int64     `gorm:"column:token;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (ProductionPointerRecord) TableName() string { return "production_pointer" }
