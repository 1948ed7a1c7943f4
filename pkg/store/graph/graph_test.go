package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hybridflow/tristore/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

// seedHierarchy writes one group node and its chained leaves.
func seedHierarchy(t *testing.T, s *Store, ns string, groups, leavesPer int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureNamespace(ctx, ns))
	for g := 1; g <= groups; g++ {
		gid := fmt.Sprintf("bk:g%02d", g)
		require.NoError(t, s.UpsertNode(ctx, ns, store.Node{ID: gid, Kind: store.NodeKindGroup, Ordinal: g}))
		for l := 1; l <= leavesPer; l++ {
			node := store.Node{
				ID:       fmt.Sprintf("%s:l%03d", gid, l),
				ParentID: gid,
				Kind:     store.NodeKindLeaf,
				Ordinal:  l,
			}
			if l > 1 {
				node.PrevID = fmt.Sprintf("%s:l%03d", gid, l-1)
			}
			if l < leavesPer {
				node.NextID = fmt.Sprintf("%s:l%03d", gid, l+1)
			}
			require.NoError(t, s.UpsertNode(ctx, ns, node))
		}
	}
}

func TestUpsertNodeRejectsMissingParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureNamespace(ctx, "ns1"))

	err := s.UpsertNode(ctx, "ns1", store.Node{ID: "bk:g01:l001", ParentID: "bk:g01", Kind: store.NodeKindLeaf})
	var missing *store.MissingParentError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "bk:g01", missing.ParentID)

	err = s.UpsertNode(ctx, "nowhere", store.Node{ID: "bk:g01", Kind: store.NodeKindGroup})
	var notFound *store.NamespaceNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestUpsertNodeNeverDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureNamespace(ctx, "ns1"))
	require.NoError(t, s.UpsertNode(ctx, "ns1", store.Node{ID: "bk:g01", Kind: store.NodeKindGroup}))

	leaf := store.Node{ID: "bk:g01:l001", ParentID: "bk:g01", Kind: store.NodeKindLeaf, Ordinal: 1}
	require.NoError(t, s.UpsertNode(ctx, "ns1", leaf))
	leaf.Ordinal = 7
	require.NoError(t, s.UpsertNode(ctx, "ns1", leaf))

	n, err := s.Count(ctx, "ns1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	leaves, _, err := s.ListLeaves(ctx, "ns1", "", 10)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
}

func TestListIdentifiersEnumeratesPhysicalDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedHierarchy(t, s, "ns1", 1, 3)

	// Inject a duplicate physical row under the upsert layer; the schema
	// carries no unique (namespace, node_id) index so enumeration must
	// surface it.
	err := s.db.Exec(
		"INSERT INTO graph_nodes (namespace, node_id, parent_id, kind, ordinal) VALUES (?, ?, ?, 'leaf', 1)",
		"ns1", "bk:g01:l001", "bk:g01").Error
	require.NoError(t, err)

	var ids []string
	token := ""
	for {
		page, next, err := s.ListIdentifiers(ctx, "ns1", token, 2)
		require.NoError(t, err)
		ids = append(ids, page...)
		if next == "" {
			break
		}
		token = next
	}
	assert.Len(t, ids, 5) // 1 group + 3 leaves + 1 duplicate

	seen := map[string]int{}
	for _, id := range ids {
		seen[id]++
	}
	assert.Equal(t, 2, seen["bk:g01:l001"])

	leaves, err := s.CountLeaves(ctx, "ns1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), leaves)
}

func TestListLeavesCarriesChainLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedHierarchy(t, s, "ns1", 1, 3)

	leaves, next, err := s.ListLeaves(ctx, "ns1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, leaves, 3)

	assert.Equal(t, "bk:g01:l002", leaves[0].NextID)
	assert.Empty(t, leaves[0].PrevID)
	assert.Equal(t, "bk:g01:l001", leaves[1].PrevID)
	assert.Equal(t, "bk:g01:l003", leaves[1].NextID)
	assert.Equal(t, "bk:g01", leaves[2].ParentID)
}

func TestHasNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedHierarchy(t, s, "ns1", 1, 1)

	ok, err := s.HasNode(ctx, "ns1", "bk:g01:l001")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasNode(ctx, "ns1", "bk:g99")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteRenameAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedHierarchy(t, s, "staging_v0001", 2, 2)
	require.NoError(t, s.Promote(ctx, "staging_v0001"))
	require.NoError(t, s.RenameNamespace(ctx, "staging_v0001", "v_v0001"))

	prod, err := s.ProductionNamespace(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v_v0001", prod)

	// Retried rename is a no-op once the destination exists.
	require.NoError(t, s.RenameNamespace(ctx, "staging_v0001", "v_v0001"))

	ref, err := s.Snapshot(ctx, "latest_copy_v0002")
	require.NoError(t, err)
	assert.Equal(t, int64(6), ref.Count) // 2 groups + 4 leaves
	require.NoError(t, s.VerifySnapshot(ctx, ref))

	require.NoError(t, s.Restore(ctx, ref))
	prod, err = s.ProductionNamespace(ctx)
	require.NoError(t, err)
	assert.Equal(t, "latest_copy_v0002", prod)

	// Corrupt the copy; restore must fail closed.
	err = s.db.Exec("DELETE FROM graph_nodes WHERE namespace = ? AND node_id = ?",
		"latest_copy_v0002", "bk:g01:l001").Error
	require.NoError(t, err)
	var integrity *store.IntegrityError
	require.ErrorAs(t, s.Restore(ctx, ref), &integrity)
}

func TestDropNamespaceIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedHierarchy(t, s, "ns1", 1, 2)
	require.NoError(t, s.DropNamespace(ctx, "ns1"))
	require.NoError(t, s.DropNamespace(ctx, "ns1"))

	_, err := s.Count(ctx, "ns1")
	var notFound *store.NamespaceNotFoundError
	require.ErrorAs(t, err, &notFound)
}
