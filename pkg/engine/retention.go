package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hybridflow/tristore/pkg/archive"
	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store"
	"github.com/hybridflow/tristore/pkg/version"
)

// DefaultRetentionWindow is the number of committed non-baseline versions
// kept live alongside the permanent baseline.
const DefaultRetentionWindow = 5

// RetentionManager enforces the sliding window: one permanent baseline plus
// the N most recent committed versions plus the continuously refreshed
// safety copy. The baseline is structurally excluded from eviction, and
// Archive rejects it again should a caller try directly.
type RetentionManager struct {
	reg      *registry.Store
	stores   StoreSet
	archiver *archive.Archiver
	window   int
	logger   *slog.Logger
}

// NewRetentionManager creates a RetentionManager. window <= 0 selects the
// default. archiver may be nil, in which case archived versions record no
// cold-storage URI but their namespaces are still dropped.
func NewRetentionManager(reg *registry.Store, stores StoreSet, archiver *archive.Archiver, window int, logger *slog.Logger) *RetentionManager {
	if window <= 0 {
		window = DefaultRetentionWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{reg: reg, stores: stores, archiver: archiver, window: window, logger: logger}
}

// Window returns the configured window size.
func (m *RetentionManager) Window() int { return m.window }

// OnCommit runs after a successful commit of versionID: while the number of
// committed non-baseline versions exceeds the window, the oldest one is
// archived. The baseline and the version production currently points at are
// never candidates.
func (m *RetentionManager) OnCommit(ctx context.Context, versionID string) error {
	for {
		retained, err := m.retainedVersions(ctx)
		if err != nil {
			return err
		}
		if len(retained) <= m.window {
			return nil
		}

		pointer, err := m.reg.Pointer(ctx)
		if err != nil {
			return err
		}
		// Oldest first, but never the version production points at.
		victim := ""
		for _, r := range retained {
			if pointer != nil && pointer.VersionID == r.ID {
				continue
			}
			victim = r.ID
			break
		}
		if victim == "" {
			return nil
		}
		if err := m.Archive(ctx, victim); err != nil {
			return err
		}
	}
}

// retainedVersions returns the committed non-baseline versions, oldest
// first. Their number is what the window bounds.
func (m *RetentionManager) retainedVersions(ctx context.Context) ([]registry.VersionRecord, error) {
	records, _, _, err := m.reg.List(ctx, registry.ListOptions{
		States:   []registry.State{registry.StateCommitted},
		PageSize: 100,
	})
	if err != nil {
		return nil, err
	}

	var out []registry.VersionRecord
	for _, r := range records {
		if r.Type == registry.TypeBaseline {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Archive moves one committed version to cold storage: export the
// identifier manifests of its namespaces as a bundle, record the bundle
// URI, drop the live namespaces (retained and safety copies) and transition
// the record to archived.
func (m *RetentionManager) Archive(ctx context.Context, versionID string) error {
	record, err := m.reg.Get(ctx, versionID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("archive: version %s not found", versionID)
	}
	if record.Type == registry.TypeBaseline {
		return &RetentionViolationError{VersionID: versionID, Reason: "the baseline is permanent"}
	}
	pointer, err := m.reg.Pointer(ctx)
	if err != nil {
		return err
	}
	if pointer != nil && pointer.VersionID == versionID {
		return &RetentionViolationError{VersionID: versionID, Reason: "production currently points at it"}
	}

	entry, err := m.reg.OperationLog().Append(ctx, versionID, registry.OpArchive, "archiving to cold storage")
	if err != nil {
		return err
	}

	if m.archiver != nil {
		bundle, err := m.exportBundle(ctx, versionID)
		if err != nil {
			m.completeFailed(ctx, entry.ID, err)
			return err
		}
		uri, err := m.archiver.Store(ctx, bundle)
		if err != nil {
			m.completeFailed(ctx, entry.ID, err)
			return fmt.Errorf("archive %s: %w", versionID, err)
		}
		if err := m.reg.SetArchiveURI(ctx, versionID, uri); err != nil {
			m.completeFailed(ctx, entry.ID, err)
			return err
		}
		m.logger.Info("version bundle exported", "versionId", versionID, "uri", uri)
	}

	namespaces := []string{
		version.RetainedNamespace(versionID),
		version.StagingNamespace(versionID),
		version.SafetyNamespace(versionID),
	}
	err = m.stores.ForEach(func(a store.Adapter) error {
		for _, ns := range namespaces {
			if err := a.DropNamespace(ctx, ns); err != nil {
				return fmt.Errorf("archive %s: drop %s from %s store: %w", versionID, ns, a.Name(), err)
			}
		}
		return nil
	})
	if err != nil {
		m.completeFailed(ctx, entry.ID, err)
		return err
	}

	if _, err := m.reg.Transition(ctx, versionID, registry.StateArchived, "archived by retention policy"); err != nil {
		m.completeFailed(ctx, entry.ID, err)
		return err
	}
	if err := m.reg.OperationLog().Complete(ctx, entry.ID, registry.OpStatusCompleted, "archive finished"); err != nil {
		m.logger.Error("complete archive log entry", "versionId", versionID, "error", err)
	}

	m.logger.Info("version archived", "versionId", versionID)
	return nil
}

// PruneSafetyCopies drops every safety-copy namespace except the one taken
// for the most recently committed version.
func (m *RetentionManager) PruneSafetyCopies(ctx context.Context) error {
	latest, err := m.reg.LatestCommitted(ctx)
	if err != nil {
		return err
	}
	keep := ""
	if latest != nil {
		keep = version.SafetyNamespace(latest.ID)
	}

	records, _, _, err := m.reg.List(ctx, registry.ListOptions{PageSize: 100})
	if err != nil {
		return err
	}
	for _, r := range records {
		if !isTerminal(r.State) {
			continue
		}
		ns := version.SafetyNamespace(r.ID)
		if ns == keep {
			continue
		}
		err := m.stores.ForEach(func(a store.Adapter) error {
			return a.DropNamespace(ctx, ns)
		})
		if err != nil {
			return fmt.Errorf("prune safety copy %s: %w", ns, err)
		}
	}
	return nil
}

func isTerminal(s registry.State) bool { return !s.Active() }

func (m *RetentionManager) exportBundle(ctx context.Context, versionID string) (*archive.Bundle, error) {
	bundle := &archive.Bundle{VersionID: versionID, ArchivedAt: time.Now()}
	err := m.stores.ForEach(func(a store.Adapter) error {
		ns := version.RetainedNamespace(versionID)
		export := archive.StoreExport{Store: a.Name(), Namespace: ns}

		var digest store.IdentifierDigest
		token := ""
		for {
			ids, next, err := a.ListIdentifiers(ctx, ns, token, 1000)
			if err != nil {
				return fmt.Errorf("export %s from %s store: %w", versionID, a.Name(), err)
			}
			digest.Add(ids...)
			export.Identifiers = append(export.Identifiers, ids...)
			if next == "" {
				break
			}
			token = next
		}
		export.Count = digest.Count()
		export.Digest = digest.Sum()
		bundle.Stores = append(bundle.Stores, export)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func (m *RetentionManager) completeFailed(ctx context.Context, entryID string, cause error) {
	if err := m.reg.OperationLog().Complete(ctx, entryID, registry.OpStatusFailed, cause.Error()); err != nil {
		m.logger.Error("complete archive log entry", "error", err)
	}
}
