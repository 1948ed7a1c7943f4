package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hybridflow/tristore/pkg/content"
	"github.com/hybridflow/tristore/pkg/ha"
	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store"
	"github.com/hybridflow/tristore/pkg/version"
)

// Outcome of a migration attempt.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"
)

// MigrateRequest asks the engine to bring a new version online.
type MigrateRequest struct {
	Type           registry.VersionType `json:"type"`
	Source         content.Source       `json:"-"`
	ExpectedGroups int64                `json:"expectedGroups"`
	ExpectedLeaves int64                `json:"expectedLeaves"`
	Actor          string               `json:"actor"`
	Notes          string               `json:"notes,omitempty"`
}

// MigrationResult is the structured terminal report of one migration.
type MigrationResult struct {
	Record  *registry.VersionRecord `json:"record"`
	Report  *ValidationReport       `json:"report,omitempty"`
	Outcome string                  `json:"outcome"`
	Error   string                  `json:"error,omitempty"`
}

// EngineConfig bundles the tunables.
type EngineConfig struct {
	Validator       ValidatorConfig
	RetentionWindow int
}

// Engine drives the full protocol: register, snapshot, stage, validate,
// then commit or compensate. The registry's compare-and-swap transition is
// the serialization point; on top of it the engine holds a cross-process
// migration lease so concurrent operator processes fail fast.
type Engine struct {
	reg       *registry.Store
	stores    StoreSet
	stager    *Stager
	validator *Validator
	committer *Committer
	rollback  *RollbackCoordinator
	retention *RetentionManager
	locker    ha.MigrationLocker
	logger    *slog.Logger
}

// New assembles an Engine from its parts.
func New(reg *registry.Store, stores StoreSet, retention *RetentionManager, cfg EngineConfig, locker ha.MigrationLocker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = ha.Noop()
	}
	return &Engine{
		reg:       reg,
		stores:    stores,
		stager:    NewStager(stores, logger),
		validator: NewValidator(stores, cfg.Validator, logger),
		committer: NewCommitter(reg, stores, logger),
		rollback:  NewRollbackCoordinator(reg, stores, logger),
		retention: retention,
		locker:    locker,
		logger:    logger,
	}
}

// Registry exposes the underlying ledger for read paths.
func (e *Engine) Registry() *registry.Store { return e.reg }

// Migrate runs the complete protocol for one new version. Every terminal
// outcome, success, rolled back or fatal, is reflected in the version
// record's status and in the returned result.
func (e *Engine) Migrate(ctx context.Context, req MigrateRequest) (*MigrationResult, error) {
	var result *MigrationResult
	err := e.locker.WithLock(ctx, func() error {
		var err error
		result, err = e.migrateLocked(ctx, req)
		return err
	})
	return result, err
}

func (e *Engine) migrateLocked(ctx context.Context, req MigrateRequest) (*MigrationResult, error) {
	record, err := e.reg.Register(ctx, req.Type,
		registry.ExpectedCounts{Groups: req.ExpectedGroups, Leaves: req.ExpectedLeaves},
		req.Actor, req.Notes)
	if err != nil {
		return nil, err
	}
	result := &MigrationResult{Record: record, Outcome: OutcomeFailed}

	opEntry, err := e.reg.OperationLog().Append(ctx, record.ID, registry.OpMigration, "migration started")
	if err != nil {
		return result, err
	}

	// Safety copies of production before anything is staged. Their refs
	// live on the record; rollback verifies them before trusting them.
	if err := e.snapshotProduction(ctx, record.ID); err != nil {
		result.Error = err.Error()
		e.failOperation(ctx, opEntry.ID, err)
		_, _ = e.reg.Transition(ctx, record.ID, registry.StateCancelled, "snapshot failed: "+err.Error())
		return result, err
	}

	if _, err := e.reg.Transition(ctx, record.ID, registry.StateStaging, "staging content"); err != nil {
		result.Error = err.Error()
		e.failOperation(ctx, opEntry.ID, err)
		return result, err
	}

	handle, err := e.stager.Stage(ctx, record.ID, req.Source)
	if err != nil {
		return e.abort(ctx, result, opEntry.ID, fmt.Errorf("staging: %w", err))
	}
	e.logger.Info("staging complete", "versionId", record.ID, "groups", handle.Groups, "leaves", handle.Leaves)

	if _, err := e.reg.Transition(ctx, record.ID, registry.StateValidating, "running consistency checks"); err != nil {
		return e.abort(ctx, result, opEntry.ID, err)
	}

	record, report, err := e.runValidation(ctx, record.ID, version.StagingNamespace(record.ID))
	result.Record = record
	result.Report = report
	if err != nil {
		return e.abort(ctx, result, opEntry.ID, err)
	}
	if !report.Passed() {
		return e.abort(ctx, result, opEntry.ID, &CriticalConsistencyError{VersionID: record.ID, Report: report})
	}

	if err := e.committer.Commit(ctx, record.ID); err != nil {
		return e.abort(ctx, result, opEntry.ID, err)
	}

	if e.retention != nil {
		if err := e.retention.OnCommit(ctx, record.ID); err != nil {
			// The version is committed; a retention failure is logged and
			// surfaced but does not undo the commit.
			e.logger.Error("retention pass failed", "versionId", record.ID, "error", err)
			result.Error = err.Error()
		}
	}

	result.Outcome = OutcomeCommitted
	result.Record, err = e.reg.Get(ctx, record.ID)
	if err != nil {
		return result, err
	}
	if err := e.reg.OperationLog().Complete(ctx, opEntry.ID, registry.OpStatusCompleted, "migration committed"); err != nil {
		e.logger.Error("complete migration log entry", "versionId", record.ID, "error", err)
	}
	return result, nil
}

// abort records the failure, rolls the version back and returns the
// original error. A rollback failure outranks it: if recovery itself is
// unavailable the operator must hear about that first.
func (e *Engine) abort(ctx context.Context, result *MigrationResult, opEntryID string, cause error) (*MigrationResult, error) {
	versionID := result.Record.ID
	e.logger.Error("migration aborting", "versionId", versionID, "error", cause)
	e.failOperation(ctx, opEntryID, cause)
	result.Error = cause.Error()

	// Rollback gets a fresh context: the abort may itself be due to the
	// caller's cancellation, and teardown must still run.
	rbCtx := context.WithoutCancel(ctx)
	if err := e.rollback.Rollback(rbCtx, versionID, cause.Error()); err != nil {
		var fatal *RecoveryUnavailableError
		if errors.As(err, &fatal) {
			result.Error = err.Error()
			if rec, getErr := e.reg.Get(ctx, versionID); getErr == nil && rec != nil {
				result.Record = rec
			}
			return result, err
		}
		e.logger.Error("rollback after failed migration did not complete", "versionId", versionID, "error", err)
		result.Error = fmt.Sprintf("%s (rollback incomplete: %s)", cause.Error(), err.Error())
		return result, cause
	}

	result.Outcome = OutcomeRolledBack
	if rec, err := e.reg.Get(ctx, versionID); err == nil && rec != nil {
		result.Record = rec
	}
	return result, cause
}

func (e *Engine) snapshotProduction(ctx context.Context, versionID string) error {
	dest := version.SafetyNamespace(versionID)

	relRef, err := e.stores.Relational.Snapshot(ctx, dest)
	if err != nil {
		return fmt.Errorf("snapshot relational store: %w", err)
	}
	vecRef, err := e.stores.Vector.Snapshot(ctx, dest)
	if err != nil {
		return fmt.Errorf("snapshot vector store: %w", err)
	}
	graphRef, err := e.stores.Graph.Snapshot(ctx, dest)
	if err != nil {
		return fmt.Errorf("snapshot graph store: %w", err)
	}

	return e.reg.SetSnapshots(ctx, versionID, relRef.Encode(), vecRef.Encode(), graphRef.Encode())
}

// runValidation executes the battery and persists its outcome on the record
// and in the operation log.
func (e *Engine) runValidation(ctx context.Context, versionID, namespace string) (*registry.VersionRecord, *ValidationReport, error) {
	record, err := e.reg.Get(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, fmt.Errorf("validate: version %s not found", versionID)
	}

	entry, err := e.reg.OperationLog().Append(ctx, versionID, registry.OpValidation, "validating "+namespace)
	if err != nil {
		return record, nil, err
	}

	report, valErr := e.validator.Validate(ctx, record, namespace)
	if report != nil {
		status := registry.OpStatusCompleted
		if valErr != nil || !report.Passed() {
			status = registry.OpStatusFailed
		}
		if err := e.reg.OperationLog().Complete(ctx, entry.ID, status, report.JSON()); err != nil {
			e.logger.Error("complete validation log entry", "versionId", versionID, "error", err)
		}
		if err := e.reg.SetValidationResult(ctx, versionID, valErr == nil && report.Passed(), report.Summary()); err != nil {
			return record, report, err
		}
	} else if valErr != nil {
		e.failOperation(ctx, entry.ID, valErr)
	}
	if valErr != nil {
		return record, report, valErr
	}

	record, err = e.reg.Get(ctx, versionID)
	return record, report, err
}

// Validate re-runs the battery against a version's namespace without side
// effects on the stores. An empty versionID validates the current
// production namespace against the latest committed record.
func (e *Engine) Validate(ctx context.Context, versionID string) (*ValidationReport, error) {
	var record *registry.VersionRecord
	var err error
	if versionID == "" {
		record, err = e.reg.LatestCommitted(ctx)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, fmt.Errorf("validate: no committed version exists")
		}
	} else {
		record, err = e.reg.Get(ctx, versionID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, fmt.Errorf("validate: version %s not found", versionID)
		}
	}

	ns, err := e.namespaceFor(ctx, record)
	if err != nil {
		return nil, err
	}
	_, report, err := e.runValidation(ctx, record.ID, ns)
	return report, err
}

// namespaceFor resolves which namespace a record's data lives in given its
// lifecycle state.
func (e *Engine) namespaceFor(ctx context.Context, record *registry.VersionRecord) (string, error) {
	switch record.State {
	case registry.StateStaging, registry.StateValidating:
		return version.StagingNamespace(record.ID), nil
	case registry.StateCommitted:
		// Prefer the store's own resolution: the production alias survives
		// renames.
		prod, err := e.stores.Relational.ProductionNamespace(ctx)
		if err != nil {
			return "", err
		}
		if version.FromNamespace(prod) == record.ID {
			return prod, nil
		}
		return version.RetainedNamespace(record.ID), nil
	default:
		return "", fmt.Errorf("version %s is %s; nothing to validate", record.ID, record.State)
	}
}

// Rollback is the operator-facing explicit rollback.
func (e *Engine) Rollback(ctx context.Context, versionID, reason string) error {
	return e.rollback.Rollback(ctx, versionID, reason)
}

// EngineStatus summarizes the registry for operators.
type EngineStatus struct {
	Active          *registry.VersionRecord          `json:"active,omitempty"`
	LatestCommitted *registry.VersionRecord          `json:"latestCommitted,omitempty"`
	Baseline        *registry.VersionRecord          `json:"baseline,omitempty"`
	Pointer         *registry.ProductionPointerRecord `json:"pointer,omitempty"`
	RetainedInWindow int                             `json:"retainedInWindow"`
	Window          int                              `json:"window"`
}

// Status reports the engine's current state.
func (e *Engine) Status(ctx context.Context) (*EngineStatus, error) {
	status := &EngineStatus{}
	var err error
	if status.Active, err = e.reg.Active(ctx); err != nil {
		return nil, err
	}
	if status.LatestCommitted, err = e.reg.LatestCommitted(ctx); err != nil {
		return nil, err
	}
	if status.Baseline, err = e.reg.Baseline(ctx); err != nil {
		return nil, err
	}
	if status.Pointer, err = e.reg.Pointer(ctx); err != nil {
		return nil, err
	}
	if e.retention != nil {
		status.Window = e.retention.Window()
		retained, err := e.retention.retainedVersions(ctx)
		if err != nil {
			return nil, err
		}
		status.RetainedInWindow = len(retained)
	}
	return status, nil
}

// StoreStats is one store's view of a namespace plus its health.
type StoreStats struct {
	Store     string             `json:"store"`
	Namespace string             `json:"namespace"`
	Count     int64              `json:"count"`
	Health    store.HealthStatus `json:"health"`
	Error     string             `json:"error,omitempty"`
}

// Stats reports per-store counts and health for a version's namespace, or
// for production when versionID is empty.
func (e *Engine) Stats(ctx context.Context, versionID string) ([]StoreStats, error) {
	var ns string
	if versionID == "" {
		prod, err := e.stores.Relational.ProductionNamespace(ctx)
		if err != nil {
			return nil, err
		}
		ns = prod
	} else {
		record, err := e.reg.Get(ctx, versionID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, fmt.Errorf("stats: version %s not found", versionID)
		}
		if ns, err = e.namespaceFor(ctx, record); err != nil {
			return nil, err
		}
	}

	var out []StoreStats
	for _, a := range []store.Adapter{e.stores.Relational, e.stores.Vector, e.stores.Graph} {
		st := StoreStats{Store: a.Name(), Namespace: ns}
		if health, err := a.HealthCheck(ctx); err != nil {
			st.Health = store.HealthUnavailable
			st.Error = err.Error()
		} else {
			st.Health = health
		}
		if ns != "" {
			if count, err := a.Count(ctx, ns); err == nil {
				st.Count = count
			} else if st.Error == "" {
				st.Error = err.Error()
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func (e *Engine) failOperation(ctx context.Context, entryID string, cause error) {
	if err := e.reg.OperationLog().Complete(ctx, entryID, registry.OpStatusFailed, cause.Error()); err != nil {
		e.logger.Error("complete operation log entry", "error", err)
	}
}
