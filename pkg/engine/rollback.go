package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store"
	"github.com/hybridflow/tristore/pkg/version"
)

// RollbackCoordinator reverses a staged or partially-committed version and
// restores the last known-good production state. Every step is independently
// retryable; a crashed rollback resumed from the top converges.
//
// Reads during rollback are served stale: the production alias keeps
// answering from the last known-good namespace for the whole teardown, and
// the restore step is a single alias swap per store, so concurrent readers
// never observe a half-deleted namespace.
type RollbackCoordinator struct {
	reg    *registry.Store
	stores StoreSet
	logger *slog.Logger
}

// NewRollbackCoordinator creates a RollbackCoordinator.
func NewRollbackCoordinator(reg *registry.Store, stores StoreSet, logger *slog.Logger) *RollbackCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackCoordinator{reg: reg, stores: stores, logger: logger}
}

// Rollback reverses versionID for the given reason. The baseline is never a
// rollback target. If the production backup cannot be verified intact the
// rollback fails with *RecoveryUnavailableError and performs no restore:
// once backup integrity is in doubt, nothing automated may touch production.
func (r *RollbackCoordinator) Rollback(ctx context.Context, versionID, reason string) error {
	record, err := r.reg.Get(ctx, versionID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("rollback: version %s not found", versionID)
	}
	if record.Type == registry.TypeBaseline {
		return fmt.Errorf("rollback: the baseline version is never a rollback target")
	}

	entry, err := r.reg.OperationLog().Append(ctx, versionID, registry.OpRollback, "rollback started: "+reason)
	if err != nil {
		return err
	}

	if record.State != registry.StateRollingBack {
		if _, err := r.reg.Transition(ctx, versionID, registry.StateRollingBack, reason); err != nil {
			r.completeFailed(ctx, entry.ID, err)
			return err
		}
	}

	refs, err := r.snapshotRefs(record)
	if err != nil {
		r.completeFailed(ctx, entry.ID, err)
		return err
	}

	// Verify the production backups before deleting anything beyond
	// staging. An unverifiable backup aborts loudly.
	adapters := []store.Adapter{r.stores.Relational, r.stores.Vector, r.stores.Graph}
	for i, a := range adapters {
		if err := a.VerifySnapshot(ctx, refs[i]); err != nil {
			fatal := &RecoveryUnavailableError{VersionID: versionID, Store: a.Name(), Err: err}
			r.completeFailed(ctx, entry.ID, fatal)
			_ = r.reg.SetValidationResult(ctx, versionID, false, fatal.Error())
			return fatal
		}
	}

	stagingNS := version.StagingNamespace(versionID)
	retainedNS := version.RetainedNamespace(versionID)

	for i, a := range adapters {
		// Tear down staging first. If a failed commit already renamed or
		// promoted this version's namespace, restore the alias from the
		// verified backup before dropping the promoted copy.
		prod, err := a.ProductionNamespace(ctx)
		if err != nil {
			r.completeFailed(ctx, entry.ID, err)
			return fmt.Errorf("rollback %s: resolve %s production: %w", versionID, a.Name(), err)
		}
		if prod == stagingNS || prod == retainedNS {
			if err := a.Restore(ctx, refs[i]); err != nil {
				fatal := &RecoveryUnavailableError{VersionID: versionID, Store: a.Name(), Err: err}
				r.completeFailed(ctx, entry.ID, fatal)
				return fatal
			}
			r.logger.Warn("restored production alias from backup",
				"versionId", versionID, "store", a.Name(), "namespace", refs[i].Namespace)
		}

		for _, ns := range []string{stagingNS, retainedNS} {
			if err := a.DropNamespace(ctx, ns); err != nil {
				r.completeFailed(ctx, entry.ID, err)
				return fmt.Errorf("rollback %s: drop %s from %s store: %w", versionID, ns, a.Name(), err)
			}
		}
	}

	// If a failed commit advanced the production pointer, move it back to
	// the previous committed version.
	pointer, err := r.reg.Pointer(ctx)
	if err != nil {
		r.completeFailed(ctx, entry.ID, err)
		return err
	}
	if pointer != nil && pointer.VersionID == versionID {
		prev, err := r.reg.LatestCommitted(ctx)
		if err != nil {
			r.completeFailed(ctx, entry.ID, err)
			return err
		}
		target := ""
		if prev != nil {
			target = prev.ID
		}
		if _, err := r.reg.AdvancePointer(ctx, target, pointer.Token); err != nil {
			r.completeFailed(ctx, entry.ID, err)
			return err
		}
	}

	if _, err := r.reg.Transition(ctx, versionID, registry.StateRolledBack, "rolled back: "+reason); err != nil {
		r.completeFailed(ctx, entry.ID, err)
		return err
	}

	if err := r.reg.OperationLog().Complete(ctx, entry.ID, registry.OpStatusCompleted, "rollback finished"); err != nil {
		r.logger.Error("complete rollback log entry", "versionId", versionID, "error", err)
	}
	r.logger.Info("version rolled back", "versionId", versionID, "reason", reason)
	return nil
}

func (r *RollbackCoordinator) snapshotRefs(record *registry.VersionRecord) ([3]store.SnapshotRef, error) {
	var refs [3]store.SnapshotRef
	var err error
	if refs[0], err = store.DecodeSnapshotRef(record.RelationalSnapshot); err != nil {
		return refs, err
	}
	if refs[1], err = store.DecodeSnapshotRef(record.VectorSnapshot); err != nil {
		return refs, err
	}
	if refs[2], err = store.DecodeSnapshotRef(record.GraphSnapshot); err != nil {
		return refs, err
	}
	return refs, nil
}

func (r *RollbackCoordinator) completeFailed(ctx context.Context, entryID string, cause error) {
	if err := r.reg.OperationLog().Complete(ctx, entryID, registry.OpStatusFailed, cause.Error()); err != nil {
		r.logger.Error("complete rollback log entry", "error", err)
	}
}
