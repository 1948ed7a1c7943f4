package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hybridflow/tristore/pkg/archive"
	"github.com/hybridflow/tristore/pkg/content"
	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store"
	"github.com/hybridflow/tristore/pkg/store/graph"
	"github.com/hybridflow/tristore/pkg/store/relational"
	"github.com/hybridflow/tristore/pkg/store/vector"
	"github.com/hybridflow/tristore/pkg/version"
)

const testDimension = 4

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engineHarness struct {
	db     *gorm.DB
	reg    *registry.Store
	rel    *relational.Store
	vec    *vector.Store
	gr     *graph.Store
	stores StoreSet
	blobs  archive.BlobStore
	eng    *Engine
}

// newTestHarness wires a complete engine over one shared in-memory SQLite
// database (registry, relational and graph tables) plus an in-process vector
// index and a directory-backed archive.
func newTestHarness(t *testing.T, window int, vcfg ValidatorConfig) *engineHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	reg := registry.NewStore(db)
	require.NoError(t, reg.AutoMigrate())

	rel := relational.New(db)
	require.NoError(t, rel.AutoMigrate())
	gr := graph.New(db)
	require.NoError(t, gr.AutoMigrate())
	vec := vector.New(testDimension)

	blobs, err := archive.NewDirStore(t.TempDir())
	require.NoError(t, err)

	stores := StoreSet{Relational: rel, Vector: vec, Graph: gr}
	retention := NewRetentionManager(reg, stores, archive.NewArchiver(blobs), window, testLogger())
	eng := New(reg, stores, retention, EngineConfig{Validator: vcfg, RetentionWindow: window}, nil, testLogger())

	return &engineHarness{db: db, reg: reg, rel: rel, vec: vec, gr: gr, stores: stores, blobs: blobs, eng: eng}
}

// makeGroups builds a consistent content fixture: groups of sequentially
// ordered leaves, identifiers nested under their group, deterministic vectors.
func makeGroups(groups, leavesPer int) []content.Group {
	out := make([]content.Group, 0, groups)
	n := 0
	for g := 1; g <= groups; g++ {
		gid := fmt.Sprintf("bk:g%02d", g)
		grp := content.Group{ID: gid, Title: fmt.Sprintf("Group %d", g), Ordinal: g}
		for l := 1; l <= leavesPer; l++ {
			n++
			grp.Leaves = append(grp.Leaves, content.Leaf{
				ID:      fmt.Sprintf("%s:l%03d", gid, l),
				Ordinal: l,
				Text:    fmt.Sprintf("leaf %d of group %d", l, g),
				Vector:  []float32{float32(n), float32(g), float32(l), 1},
			})
		}
		out = append(out, grp)
	}
	return out
}

func countLeaves(groups []content.Group) int64 {
	var n int64
	for _, g := range groups {
		n += int64(len(g.Leaves))
	}
	return n
}

// migrate drives one migration to a committed outcome and fails the test on
// anything else.
func (h *engineHarness) migrate(t *testing.T, vtype registry.VersionType, groups []content.Group) *MigrationResult {
	t.Helper()
	res, err := h.eng.Migrate(context.Background(), MigrateRequest{
		Type:           vtype,
		Source:         content.Static(groups),
		ExpectedGroups: int64(len(groups)),
		ExpectedLeaves: countLeaves(groups),
		Actor:          "tester",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, OutcomeCommitted, res.Outcome)
	return res
}

func TestMigrateCommitsConsistentContent(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	groups := makeGroups(6, 8)
	res := h.migrate(t, registry.TypeBaseline, groups)

	require.NotNil(t, res.Report)
	assert.True(t, res.Report.Passed())
	assert.Equal(t, 0, res.Report.Critical)
	assert.Equal(t, int64(6), res.Report.Counts.RelationalGroups)
	assert.Equal(t, int64(48), res.Report.Counts.RelationalLeaves)
	assert.Equal(t, int64(48), res.Report.Counts.VectorPoints)
	assert.Equal(t, int64(48), res.Report.Counts.GraphLeaves)
	for _, c := range res.Report.Checks {
		assert.True(t, c.Passed, "check %s: %s", c.Name, c.Detail)
	}

	rec := res.Record
	assert.Equal(t, registry.StateCommitted, rec.State)
	assert.True(t, rec.ValidationPassed)

	// All three production aliases point at the retained namespace.
	retained := version.RetainedNamespace(rec.ID)
	for _, a := range []store.Adapter{h.rel, h.vec, h.gr} {
		prod, err := a.ProductionNamespace(ctx)
		require.NoError(t, err)
		assert.Equal(t, retained, prod, "%s store", a.Name())
	}

	pointer, err := h.reg.Pointer(ctx)
	require.NoError(t, err)
	require.NotNil(t, pointer)
	assert.Equal(t, rec.ID, pointer.VersionID)

	// The staging namespace was renamed away, not left behind.
	_, err = h.rel.Count(ctx, version.StagingNamespace(rec.ID))
	var notFound *store.NamespaceNotFoundError
	assert.ErrorAs(t, err, &notFound)

	entries, _, _, err := h.reg.OperationLog().ListByVersion(ctx, rec.ID, 50, "")
	require.NoError(t, err)
	var sawMigration bool
	for _, e := range entries {
		if e.Operation == registry.OpMigration && e.Status == registry.OpStatusCompleted {
			sawMigration = true
		}
	}
	assert.True(t, sawMigration)
}

// flakyVector silently drops upserts for selected identifiers, simulating a
// vector store that acknowledges writes it never applied.
type flakyVector struct {
	store.VectorAdapter
	skip map[string]bool
}

func (f *flakyVector) UpsertPoint(ctx context.Context, ns string, p store.Point) error {
	if f.skip[p.ID] {
		return nil
	}
	return f.VectorAdapter.UpsertPoint(ctx, ns, p)
}

func TestMigrateRollsBackOnCrossStoreMismatch(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	baseline := h.migrate(t, registry.TypeBaseline, makeGroups(6, 8))
	baselineNS := version.RetainedNamespace(baseline.Record.ID)

	// A second engine over the same stores, but with a vector adapter that
	// drops three writes on the floor.
	missing := map[string]bool{
		"bk:g02:l001": true,
		"bk:g04:l005": true,
		"bk:g06:l008": true,
	}
	flaky := &flakyVector{VectorAdapter: h.vec, skip: missing}
	stores := StoreSet{Relational: h.rel, Vector: flaky, Graph: h.gr}
	eng := New(h.reg, stores, nil, EngineConfig{}, nil, testLogger())

	groups := makeGroups(6, 8)
	res, err := eng.Migrate(ctx, MigrateRequest{
		Type:           registry.TypeMinor,
		Source:         content.Static(groups),
		ExpectedGroups: 6,
		ExpectedLeaves: 48,
		Actor:          "tester",
	})
	var critical *CriticalConsistencyError
	require.ErrorAs(t, err, &critical)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeRolledBack, res.Outcome)
	assert.Equal(t, registry.StateRolledBack, res.Record.State)

	require.NotNil(t, res.Report)
	assert.False(t, res.Report.Passed())
	var setEquality *CheckResult
	for i, c := range res.Report.Checks {
		if c.Name == CheckSetEquality {
			setEquality = &res.Report.Checks[i]
		}
	}
	require.NotNil(t, setEquality)
	assert.False(t, setEquality.Passed)
	assert.Equal(t, int64(3), setEquality.Count)
	for id := range missing {
		assert.Contains(t, setEquality.Sample, id)
	}

	// Production is untouched: all aliases still answer from the baseline.
	for _, a := range []store.Adapter{h.rel, h.vec, h.gr} {
		prod, err := a.ProductionNamespace(ctx)
		require.NoError(t, err)
		assert.Equal(t, baselineNS, prod, "%s store", a.Name())
	}
	pointer, err := h.reg.Pointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, baseline.Record.ID, pointer.VersionID)

	// The failed version's staging namespaces are gone.
	_, err = h.rel.Count(ctx, version.StagingNamespace(res.Record.ID))
	var notFound *store.NamespaceNotFoundError
	assert.ErrorAs(t, err, &notFound)
	_, err = h.gr.Count(ctx, version.StagingNamespace(res.Record.ID))
	assert.ErrorAs(t, err, &notFound)
}

func TestMigrateRollsBackOnPartialStagingFailure(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	h.migrate(t, registry.TypeBaseline, makeGroups(2, 3))

	// Wrong-dimension vectors make the vector store reject every upsert
	// while the relational and graph stores stage successfully.
	groups := makeGroups(2, 3)
	for gi := range groups {
		for li := range groups[gi].Leaves {
			groups[gi].Leaves[li].Vector = []float32{1, 2}
		}
	}

	res, err := h.eng.Migrate(ctx, MigrateRequest{
		Type:   registry.TypeMinor,
		Source: content.Static(groups),
		Actor:  "tester",
	})
	require.Error(t, err)
	var partial *PartialWriteError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failed, "vector")

	require.NotNil(t, res)
	assert.Equal(t, OutcomeRolledBack, res.Outcome)
	assert.Equal(t, registry.StateRolledBack, res.Record.State)

	_, err = h.rel.Count(ctx, version.StagingNamespace(res.Record.ID))
	var notFound *store.NamespaceNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestValidateDetectsDuplicateGraphRows(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	baseline := h.migrate(t, registry.TypeBaseline, makeGroups(6, 8))
	ns := version.RetainedNamespace(baseline.Record.ID)

	// Duplicate two physical leaf rows underneath the adapter's upsert
	// layer; the schema deliberately has no unique index to hide them.
	err := h.db.Exec(
		"INSERT INTO graph_nodes (namespace, node_id, parent_id, kind, ordinal, next_id, prev_id, cross_refs) "+
			"SELECT namespace, node_id, parent_id, kind, ordinal, next_id, prev_id, cross_refs "+
			"FROM graph_nodes WHERE namespace = ? AND kind = 'leaf' LIMIT 2",
		ns).Error
	require.NoError(t, err)

	report, err := h.eng.Validate(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.False(t, report.Passed())
	assert.Equal(t, ns, report.Namespace)

	var dup *CheckResult
	for i, c := range report.Checks {
		if c.Name == CheckDuplicates {
			dup = &report.Checks[i]
		}
	}
	require.NotNil(t, dup)
	assert.False(t, dup.Passed)
	assert.Equal(t, int64(2), dup.Count)
	assert.NotEmpty(t, dup.Sample)

	// The surplus rows also break vector/graph cardinality parity.
	for _, c := range report.Checks {
		if c.Name == CheckCardinality {
			assert.False(t, c.Passed)
		}
	}

	// The advisory outcome lands on the committed record.
	rec, err := h.reg.Get(ctx, baseline.Record.ID)
	require.NoError(t, err)
	assert.False(t, rec.ValidationPassed)
	assert.Contains(t, rec.StatusMessage, CheckDuplicates)
}

func TestRetentionArchivesBeyondWindow(t *testing.T) {
	h := newTestHarness(t, 2, ValidatorConfig{})
	ctx := context.Background()

	h.migrate(t, registry.TypeBaseline, makeGroups(2, 3))
	m1 := h.migrate(t, registry.TypeMinor, makeGroups(2, 3))
	m2 := h.migrate(t, registry.TypeMinor, makeGroups(2, 3))
	m3 := h.migrate(t, registry.TypeMinor, makeGroups(2, 3))

	// Three retained minors against a window of two: the oldest one moves to
	// cold storage. The baseline and the pointed-at version are untouchable.
	archived, err := h.reg.Get(ctx, m1.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateArchived, archived.State)
	assert.True(t, strings.HasPrefix(archived.ArchiveURI, "dir://"), "archive uri %q", archived.ArchiveURI)

	for _, res := range []*MigrationResult{m2, m3} {
		rec, err := h.reg.Get(ctx, res.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, registry.StateCommitted, rec.State)
	}

	// The live namespaces of the archived version are gone from every store.
	_, err = h.rel.Count(ctx, version.RetainedNamespace(m1.Record.ID))
	var notFound *store.NamespaceNotFoundError
	assert.ErrorAs(t, err, &notFound)
	_, err = h.vec.Count(ctx, version.RetainedNamespace(m1.Record.ID))
	assert.ErrorAs(t, err, &notFound)

	// The bundle in cold storage round-trips with all three manifests.
	bundle, err := archive.NewArchiver(h.blobs).Load(ctx, m1.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, m1.Record.ID, bundle.VersionID)
	require.Len(t, bundle.Stores, 3)
	counts := map[string]int64{}
	for _, s := range bundle.Stores {
		counts[s.Store] = s.Count
	}
	assert.Equal(t, int64(6), counts["relational"])
	assert.Equal(t, int64(6), counts["vector"])
	assert.Equal(t, int64(8), counts["graph"]) // 2 group nodes + 6 leaves

	status, err := h.eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Window)
	assert.Equal(t, 2, status.RetainedInWindow)
	assert.Equal(t, m3.Record.ID, status.Pointer.VersionID)
}

func TestArchiveRefusesBaselineAndPointedVersion(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	baseline := h.migrate(t, registry.TypeBaseline, makeGroups(2, 3))
	minor := h.migrate(t, registry.TypeMinor, makeGroups(2, 3))

	retention := NewRetentionManager(h.reg, h.stores, nil, 5, testLogger())

	var violation *RetentionViolationError
	err := retention.Archive(ctx, baseline.Record.ID)
	require.ErrorAs(t, err, &violation)

	err = retention.Archive(ctx, minor.Record.ID)
	require.ErrorAs(t, err, &violation)
}

func TestMigrateRejectedWhileAnotherIsActive(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	_, err := h.reg.Register(ctx, registry.TypeBaseline, registry.ExpectedCounts{}, "tester", "")
	require.NoError(t, err)

	res, err := h.eng.Migrate(ctx, MigrateRequest{
		Type:   registry.TypeMinor,
		Source: content.Static(makeGroups(1, 1)),
		Actor:  "tester",
	})
	var conflict *registry.RegistrationConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Nil(t, res)
}

func TestRollbackRefusesBaseline(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	baseline := h.migrate(t, registry.TypeBaseline, makeGroups(1, 2))

	err := h.eng.Rollback(ctx, baseline.Record.ID, "operator mistake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseline")

	rec, err := h.reg.Get(ctx, baseline.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateCommitted, rec.State)
}

func TestValidateResolvesProductionNamespace(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	baseline := h.migrate(t, registry.TypeBaseline, makeGroups(3, 4))

	report, err := h.eng.Validate(ctx, "")
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, version.RetainedNamespace(baseline.Record.ID), report.Namespace)
	assert.Equal(t, int64(12), report.Counts.VectorPoints)
}

func TestStatsReportsPerStoreCountsAndHealth(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	h.migrate(t, registry.TypeBaseline, makeGroups(6, 8))

	stats, err := h.eng.Stats(ctx, "")
	require.NoError(t, err)
	require.Len(t, stats, 3)

	byStore := map[string]StoreStats{}
	for _, s := range stats {
		byStore[s.Store] = s
		assert.Equal(t, store.HealthOK, s.Health)
		assert.Empty(t, s.Error)
	}
	assert.Equal(t, int64(48), byStore["relational"].Count)
	assert.Equal(t, int64(48), byStore["vector"].Count)
	assert.Equal(t, int64(54), byStore["graph"].Count) // 6 group nodes + 48 leaves
}

func TestSnapshotBeforeFirstPromoteIsEmpty(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	// The very first migration snapshots a production that does not exist
	// yet; the refs must be empty and rollback must accept them.
	res := h.migrate(t, registry.TypeBaseline, makeGroups(1, 2))

	rec, err := h.reg.Get(ctx, res.Record.ID)
	require.NoError(t, err)
	ref, err := store.DecodeSnapshotRef(rec.RelationalSnapshot)
	require.NoError(t, err)
	assert.True(t, ref.Empty())
}

func TestCommitRequiresPassedValidation(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	rec, err := h.reg.Register(ctx, registry.TypeBaseline, registry.ExpectedCounts{}, "tester", "")
	require.NoError(t, err)
	_, err = h.reg.Transition(ctx, rec.ID, registry.StateStaging, "")
	require.NoError(t, err)
	_, err = h.reg.Transition(ctx, rec.ID, registry.StateValidating, "")
	require.NoError(t, err)

	committer := NewCommitter(h.reg, h.stores, testLogger())
	err = committer.Commit(ctx, rec.ID)
	var critical *CriticalConsistencyError
	require.ErrorAs(t, err, &critical)

	// And a record outside validating is rejected outright.
	_, err = h.reg.Transition(ctx, rec.ID, registry.StateRollingBack, "")
	require.NoError(t, err)
	err = committer.Commit(ctx, rec.ID)
	var terr *registry.TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestRollbackFailsClosedOnCorruptedBackup(t *testing.T) {
	h := newTestHarness(t, 5, ValidatorConfig{})
	ctx := context.Background()

	baseline := h.migrate(t, registry.TypeBaseline, makeGroups(2, 3))
	baselineNS := version.RetainedNamespace(baseline.Record.ID)

	rec, err := h.reg.Register(ctx, registry.TypeMinor, registry.ExpectedCounts{}, "tester", "")
	require.NoError(t, err)

	// Take real safety copies, then corrupt the relational one so its digest
	// no longer matches the recorded ref.
	safetyNS := version.SafetyNamespace(rec.ID)
	relRef, err := h.rel.Snapshot(ctx, safetyNS)
	require.NoError(t, err)
	vecRef, err := h.vec.Snapshot(ctx, safetyNS)
	require.NoError(t, err)
	graphRef, err := h.gr.Snapshot(ctx, safetyNS)
	require.NoError(t, err)
	require.NoError(t, h.reg.SetSnapshots(ctx, rec.ID, relRef.Encode(), vecRef.Encode(), graphRef.Encode()))

	err = h.db.Exec("DELETE FROM relational_leaves WHERE namespace = ? AND leaf_id = ?", safetyNS, "bk:g01:l001").Error
	require.NoError(t, err)

	_, err = h.reg.Transition(ctx, rec.ID, registry.StateStaging, "")
	require.NoError(t, err)

	rbErr := h.eng.Rollback(ctx, rec.ID, "testing backup verification")
	var fatal *RecoveryUnavailableError
	require.ErrorAs(t, rbErr, &fatal)
	assert.Equal(t, "relational", fatal.Store)
	var integrity *store.IntegrityError
	assert.True(t, errors.As(fatal.Err, &integrity))

	// Nothing was restored or deleted: production still answers from the
	// baseline namespace and the record never reached rolled_back.
	prod, err := h.rel.ProductionNamespace(ctx)
	require.NoError(t, err)
	assert.Equal(t, baselineNS, prod)

	got, err := h.reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateRollingBack, got.State)
}
