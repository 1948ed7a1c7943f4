package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store"
	"github.com/hybridflow/tristore/pkg/version"
)

// Committer promotes a validated staging namespace to production across all
// three stores and finalizes the registry record. No cross-store atomicity
// exists, so every step is individually idempotent: a committer restarted
// after a crash re-runs the sequence and converges.
type Committer struct {
	reg    *registry.Store
	stores StoreSet
	logger *slog.Logger
}

// NewCommitter creates a Committer.
func NewCommitter(reg *registry.Store, stores StoreSet, logger *slog.Logger) *Committer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Committer{reg: reg, stores: stores, logger: logger}
}

// Commit promotes versionID. Preconditions: the record is in validating and
// its last validation run passed. Once promotion starts it runs to
// completion regardless of caller cancellation; a partial promotion is
// surfaced as *CommitError and left in a state the rollback coordinator can
// fully reverse, because the pre-commit production namespaces are never
// touched here.
func (c *Committer) Commit(ctx context.Context, versionID string) error {
	record, err := c.reg.Get(ctx, versionID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("commit: version %s not found", versionID)
	}
	if record.State != registry.StateValidating {
		return &registry.TransitionError{
			Code:    "ILLEGAL_TRANSITION",
			From:    record.State,
			To:      registry.StateCommitted,
			Message: fmt.Sprintf("commit requires %s, version %s is %s", registry.StateValidating, versionID, record.State),
		}
	}
	if !record.ValidationPassed {
		return &CriticalConsistencyError{
			VersionID: versionID,
			Report:    &ValidationReport{VersionID: versionID, Status: StatusIssuesFound},
		}
	}

	// Promotion is not cancellable: it either finishes or is explicitly
	// rolled back afterwards.
	ctx = context.WithoutCancel(ctx)

	stagingNS := version.StagingNamespace(versionID)
	retainedNS := version.RetainedNamespace(versionID)

	for _, a := range []store.Adapter{c.stores.Relational, c.stores.Vector, c.stores.Graph} {
		if err := c.promoteStore(ctx, a, stagingNS, retainedNS); err != nil {
			return &CommitError{VersionID: versionID, Step: "promote", Store: a.Name(), Err: err}
		}
		c.logger.Info("store promoted", "versionId", versionID, "store", a.Name(), "namespace", retainedNS)
	}

	pointer, err := c.reg.Pointer(ctx)
	if err != nil {
		return &CommitError{VersionID: versionID, Step: "advance-pointer", Store: "registry", Err: err}
	}
	var token int64
	if pointer != nil {
		if pointer.VersionID == versionID {
			// Resumed commit that already advanced the pointer.
			token = -1
		} else {
			token = pointer.Token
		}
	}
	if token >= 0 {
		if _, err := c.reg.AdvancePointer(ctx, versionID, token); err != nil {
			return &CommitError{VersionID: versionID, Step: "advance-pointer", Store: "registry", Err: err}
		}
	}

	if _, err := c.reg.Transition(ctx, versionID, registry.StateCommitted, "promoted to production"); err != nil {
		return &CommitError{VersionID: versionID, Step: "finalize", Store: "registry", Err: err}
	}

	c.logger.Info("version committed", "versionId", versionID)
	return nil
}

// promoteStore swaps one store's staging namespace into production: rename
// to the retained name where the store supports it, then repoint the
// production alias. Both halves tolerate re-runs.
func (c *Committer) promoteStore(ctx context.Context, a store.Adapter, stagingNS, retainedNS string) error {
	target := stagingNS
	if renamer, ok := a.(store.NamespaceRenamer); ok {
		if err := renamer.RenameNamespace(ctx, stagingNS, retainedNS); err != nil {
			return err
		}
		target = retainedNS
	}
	return a.Promote(ctx, target)
}
