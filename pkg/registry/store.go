package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hybridflow/tristore/pkg/version"
)

// ExpectedCounts carries the entity counts a new version is expected to
// materialize in every store.
type ExpectedCounts struct {
	Groups int64 `json:"groups"`
	Leaves int64 `json:"leaves"`
}

// Store provides the durable version ledger on top of gorm. All state
// transitions go through here; the compare-and-swap update in Transition is
// the engine's serialization point.
type Store struct {
	db      *gorm.DB
	machine *LifecycleMachine
	log     *OperationLog
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:      db,
		machine: NewLifecycleMachine(),
		log:     NewOperationLog(db),
	}
}

// AutoMigrate creates or updates the registry tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&VersionRecord{}, &OperationLogEntry{}, &ProductionPointerRecord{}); err != nil {
		return fmt.Errorf("auto-migrate registry tables: %w", err)
	}
	return nil
}

// OperationLog returns the append-only log backed by the same database.
func (s *Store) OperationLog() *OperationLog { return s.log }

// Register creates a new version record in pending state. It fails with
// RegistrationConflictError while another version is in an active state and
// with BaselineExistsError when a second baseline is requested.
func (s *Store) Register(ctx context.Context, vtype VersionType, expected ExpectedCounts, actor, notes string) (*VersionRecord, error) {
	var record *VersionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active VersionRecord
		err := tx.Where("state IN ?", activeStates()).First(&active).Error
		if err == nil {
			return &RegistrationConflictError{ActiveVersionID: active.ID, ActiveState: active.State}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check active version: %w", err)
		}

		if vtype == TypeBaseline {
			var baseline VersionRecord
			err := tx.Where("type = ?", TypeBaseline).First(&baseline).Error
			if err == nil {
				return &BaselineExistsError{BaselineID: baseline.ID}
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("check baseline: %w", err)
			}
		}

		var maxSeq int64
		if err := tx.Model(&VersionRecord{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		now := time.Now()
		record = &VersionRecord{
			ID:             version.FormatID(maxSeq+1, now),
			Seq:            maxSeq + 1,
			Type:           vtype,
			State:          StatePending,
			ExpectedGroups: expected.Groups,
			ExpectedLeaves: expected.Leaves,
			Actor:          actor,
			Notes:          notes,
		}
		if err := tx.Create(record).Error; err != nil {
			// The unique index on seq turns a racing register into a
			// conflict instead of a silent double allocation.
			return &RegistrationConflictError{ActiveState: StatePending}
		}

		return appendCompletedEntry(tx, record.ID, OpMigration, fmt.Sprintf("registered %s version as %s", vtype, StatePending))
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Transition moves a version to the target state. The update is guarded by a
// compare-and-swap on the current state so racing callers are rejected rather
// than silently overwritten. Every accepted transition appends exactly one
// operation log entry.
func (s *Store) Transition(ctx context.Context, versionID string, target State, message string) (*VersionRecord, error) {
	record, err := s.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("transition: version %s not found", versionID)
	}

	if err := s.machine.ValidateTransition(record.Type, record.State, target); err != nil {
		return nil, err
	}
	if record.State == target {
		return record, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&VersionRecord{}).
			Where("id = ? AND state = ?", versionID, record.State).
			Updates(map[string]any{"state": target, "status_message": message})
		if res.Error != nil {
			return fmt.Errorf("transition %s to %s: %w", versionID, target, res.Error)
		}
		if res.RowsAffected == 0 {
			var current VersionRecord
			if err := tx.Where("id = ?", versionID).First(&current).Error; err != nil {
				return fmt.Errorf("transition %s: reread after conflict: %w", versionID, err)
			}
			return &TransitionError{
				Code:    "TRANSITION_CONFLICT",
				From:    current.State,
				To:      target,
				Message: fmt.Sprintf("version %s moved to %s under us", versionID, current.State),
			}
		}

		detail := fmt.Sprintf("%s -> %s", record.State, target)
		if message != "" {
			detail += ": " + message
		}
		return appendCompletedEntry(tx, versionID, operationForTarget(target), detail)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, versionID)
}

// Get retrieves a version record by ID. Returns nil, nil if no record exists.
func (s *Store) Get(ctx context.Context, versionID string) (*VersionRecord, error) {
	var record VersionRecord
	err := s.db.WithContext(ctx).Where("id = ?", versionID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &record, nil
}

// ListOptions narrows a List call.
type ListOptions struct {
	States    []State
	Type      VersionType
	Filter    string
	PageSize  int
	PageToken string
}

// List returns paginated version records, newest first. pageToken is an
// RFC3339Nano timestamp; records created before it are returned.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]VersionRecord, string, int, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	base := s.db.WithContext(ctx).Model(&VersionRecord{})
	if len(opts.States) > 0 {
		base = base.Where("state IN ?", opts.States)
	}
	if opts.Type != "" {
		base = base.Where("type = ?", opts.Type)
	}
	if opts.Filter != "" {
		var err error
		base, err = ApplyFilter(base, opts.Filter)
		if err != nil {
			return nil, "", 0, err
		}
	}

	var totalSize int64
	if err := base.Session(&gorm.Session{}).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count versions: %w", err)
	}

	query := base.Session(&gorm.Session{}).Order("created_at DESC").Limit(pageSize + 1)
	if opts.PageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.PageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []VersionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list versions: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// LatestCommitted returns the newest committed record by sequence, or
// nil, nil if none exists.
func (s *Store) LatestCommitted(ctx context.Context) (*VersionRecord, error) {
	return s.firstWhere(ctx, s.db.Where("state = ?", StateCommitted).Order("seq DESC"))
}

// Baseline returns the baseline record, or nil, nil if none exists.
func (s *Store) Baseline(ctx context.Context) (*VersionRecord, error) {
	return s.firstWhere(ctx, s.db.Where("type = ?", TypeBaseline))
}

// Active returns the record currently in an active state, or nil, nil.
func (s *Store) Active(ctx context.Context) (*VersionRecord, error) {
	return s.firstWhere(ctx, s.db.Where("state IN ?", activeStates()))
}

// SetSnapshots records the per-store pre-change snapshot handles.
func (s *Store) SetSnapshots(ctx context.Context, versionID, relational, vector, graph string) error {
	res := s.db.WithContext(ctx).Model(&VersionRecord{}).Where("id = ?", versionID).
		Updates(map[string]any{
			"relational_snapshot": relational,
			"vector_snapshot":     vector,
			"graph_snapshot":      graph,
		})
	if res.Error != nil {
		return fmt.Errorf("set snapshots for %s: %w", versionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set snapshots: version %s not found", versionID)
	}
	return nil
}

// SetValidationResult flags the outcome of the latest validation run.
func (s *Store) SetValidationResult(ctx context.Context, versionID string, passed bool, message string) error {
	res := s.db.WithContext(ctx).Model(&VersionRecord{}).Where("id = ?", versionID).
		Updates(map[string]any{"validation_passed": passed, "status_message": message})
	if res.Error != nil {
		return fmt.Errorf("set validation result for %s: %w", versionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set validation result: version %s not found", versionID)
	}
	return nil
}

// SetArchiveURI records where an archived version's bundle was stored.
func (s *Store) SetArchiveURI(ctx context.Context, versionID, uri string) error {
	res := s.db.WithContext(ctx).Model(&VersionRecord{}).Where("id = ?", versionID).
		Update("archive_uri", uri)
	if res.Error != nil {
		return fmt.Errorf("set archive uri for %s: %w", versionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set archive uri: version %s not found", versionID)
	}
	return nil
}

func (s *Store) firstWhere(ctx context.Context, query *gorm.DB) (*VersionRecord, error) {
	var record VersionRecord
	err := query.WithContext(ctx).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query version: %w", err)
	}
	return &record, nil
}

func activeStates() []State {
	return []State{StatePending, StateStaging, StateValidating, StateRollingBack}
}

func operationForTarget(target State) string {
	switch target {
	case StateRollingBack, StateRolledBack:
		return OpRollback
	case StateValidating:
		return OpValidation
	case StateArchived:
		return OpArchive
	default:
		return OpMigration
	}
}
