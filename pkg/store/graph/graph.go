// Package graph implements the graph store adapter as a gorm adjacency
// table. Node rows carry a surrogate primary key and deliberately no unique
// index on (namespace, node id): the validator must be able to see physical
// duplicates when an upsert path misbehaves, so the schema does not hide
// them. The adapter's own UpsertNode never creates one.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hybridflow/tristore/pkg/store"
)

const adapterName = "graph"

type namespaceRow struct {
	Name      string    `gorm:"primaryKey;column:name"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (namespaceRow) TableName() string { return "graph_namespaces" }

type aliasRow struct {
	Alias     string    `gorm:"primaryKey;column:alias"`
	Namespace string    `gorm:"column:namespace;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (aliasRow) TableName() string { return "graph_aliases" }

type nodeRow struct {
	RowID     uint64 `gorm:"primaryKey;column:row_id;autoIncrement"`
	Namespace string `gorm:"column:namespace;index:idx_graph_nodes_ns;not null"`
	NodeID    string `gorm:"column:node_id;index:idx_graph_nodes_id;not null"`
	ParentID  string `gorm:"column:parent_id;index:idx_graph_nodes_parent"`
	Kind      string `gorm:"column:kind;index:idx_graph_nodes_kind;not null"`
	Ordinal   int    `gorm:"column:ordinal"`
	NextID    string `gorm:"column:next_id"`
	PrevID    string `gorm:"column:prev_id"`
	CrossRefs string `gorm:"column:cross_refs;type:text"`
}

func (nodeRow) TableName() string { return "graph_nodes" }

// Store is the graph adapter.
type Store struct {
	db *gorm.DB
}

// New creates a graph adapter over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the adapter tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&namespaceRow{}, &aliasRow{}, &nodeRow{}); err != nil {
		return fmt.Errorf("auto-migrate graph tables: %w", err)
	}
	return nil
}

// Name implements store.Adapter.
func (s *Store) Name() string { return adapterName }

// EnsureNamespace implements store.Adapter.
func (s *Store) EnsureNamespace(ctx context.Context, ns string) error {
	if ns == "" {
		return fmt.Errorf("graph store: empty namespace")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&namespaceRow{Name: ns}).Error
	if err != nil {
		return fmt.Errorf("ensure namespace %s: %w", ns, err)
	}
	return nil
}

// DropNamespace implements store.Adapter.
func (s *Store) DropNamespace(ctx context.Context, ns string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("namespace = ?", ns).Delete(&nodeRow{}).Error; err != nil {
			return fmt.Errorf("drop namespace %s nodes: %w", ns, err)
		}
		if err := tx.Where("name = ?", ns).Delete(&namespaceRow{}).Error; err != nil {
			return fmt.Errorf("drop namespace %s: %w", ns, err)
		}
		return nil
	})
}

func (s *Store) namespaceExists(ctx context.Context, ns string) error {
	var row namespaceRow
	err := s.db.WithContext(ctx).Where("name = ?", ns).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &store.NamespaceNotFoundError{Store: adapterName, Namespace: ns}
	}
	if err != nil {
		return fmt.Errorf("check namespace %s: %w", ns, err)
	}
	return nil
}

// UpsertNode implements store.GraphAdapter. A node with a parent identifier
// missing from the namespace is rejected loudly; MERGE-style silent no-ops
// are exactly how orphaned subtrees appear.
func (s *Store) UpsertNode(ctx context.Context, ns string, node store.Node) error {
	if node.ID == "" {
		return fmt.Errorf("graph store: upsert in %s: empty node id", ns)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.namespaceExists(ctx, ns); err != nil {
			return err
		}

		if node.ParentID != "" {
			var n int64
			if err := tx.Model(&nodeRow{}).Where("namespace = ? AND node_id = ?", ns, node.ParentID).Count(&n).Error; err != nil {
				return fmt.Errorf("check parent %s in %s: %w", node.ParentID, ns, err)
			}
			if n == 0 {
				return &store.MissingParentError{Store: adapterName, Namespace: ns, ID: node.ID, ParentID: node.ParentID}
			}
		}

		updates := map[string]any{
			"parent_id":  node.ParentID,
			"kind":       node.Kind,
			"ordinal":    node.Ordinal,
			"next_id":    node.NextID,
			"prev_id":    node.PrevID,
			"cross_refs": node.CrossRefs,
		}
		res := tx.Model(&nodeRow{}).Where("namespace = ? AND node_id = ?", ns, node.ID).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("upsert node %s in %s: %w", node.ID, ns, res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}
		row := nodeRow{
			Namespace: ns,
			NodeID:    node.ID,
			ParentID:  node.ParentID,
			Kind:      node.Kind,
			Ordinal:   node.Ordinal,
			NextID:    node.NextID,
			PrevID:    node.PrevID,
			CrossRefs: node.CrossRefs,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("upsert node %s in %s: %w", node.ID, ns, err)
		}
		return nil
	})
}

// Count implements store.Adapter; it covers all nodes regardless of kind.
func (s *Store) Count(ctx context.Context, ns string) (int64, error) {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&nodeRow{}).Where("namespace = ?", ns).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count nodes in %s: %w", ns, err)
	}
	return n, nil
}

// CountLeaves implements store.GraphAdapter.
func (s *Store) CountLeaves(ctx context.Context, ns string) (int64, error) {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&nodeRow{}).
		Where("namespace = ? AND kind = ?", ns, store.NodeKindLeaf).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count leaves in %s: %w", ns, err)
	}
	return n, nil
}

// ListIdentifiers implements store.Adapter. Every physical node row is
// enumerated, duplicates included, paginated by the surrogate key.
func (s *Store) ListIdentifiers(ctx context.Context, ns string, pageToken string, pageSize int) ([]string, string, error) {
	rows, next, err := s.listRows(ctx, ns, "", pageToken, pageSize)
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.NodeID
	}
	return ids, next, nil
}

// ListLeaves implements store.GraphAdapter.
func (s *Store) ListLeaves(ctx context.Context, ns string, pageToken string, pageSize int) ([]store.LeafInfo, string, error) {
	rows, next, err := s.listRows(ctx, ns, store.NodeKindLeaf, pageToken, pageSize)
	if err != nil {
		return nil, "", err
	}
	leaves := make([]store.LeafInfo, len(rows))
	for i, r := range rows {
		leaves[i] = store.LeafInfo{
			ID:        r.NodeID,
			ParentID:  r.ParentID,
			NextID:    r.NextID,
			PrevID:    r.PrevID,
			CrossRefs: r.CrossRefs,
		}
	}
	return leaves, next, nil
}

func (s *Store) listRows(ctx context.Context, ns, kind, pageToken string, pageSize int) ([]nodeRow, string, error) {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return nil, "", err
	}
	if pageSize <= 0 {
		pageSize = 1000
	}
	after := uint64(0)
	if pageToken != "" {
		n, err := strconv.ParseUint(pageToken, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		after = n
	}

	query := s.db.WithContext(ctx).Where("namespace = ? AND row_id > ?", ns, after)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var rows []nodeRow
	if err := query.Order("row_id").Limit(pageSize).Find(&rows).Error; err != nil {
		return nil, "", fmt.Errorf("list nodes in %s: %w", ns, err)
	}

	var next string
	if len(rows) == pageSize {
		next = strconv.FormatUint(rows[len(rows)-1].RowID, 10)
	}
	return rows, next, nil
}

// HasNode reports whether node id exists in the namespace.
func (s *Store) HasNode(ctx context.Context, ns, id string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&nodeRow{}).Where("namespace = ? AND node_id = ?", ns, id).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check node %s in %s: %w", id, ns, err)
	}
	return n > 0, nil
}

// RenameNamespace implements store.NamespaceRenamer.
func (s *Store) RenameNamespace(ctx context.Context, from, to string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var src namespaceRow
		err := tx.Where("name = ?", from).First(&src).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			var dst namespaceRow
			if dstErr := tx.Where("name = ?", to).First(&dst).Error; dstErr == nil {
				return nil
			}
			return &store.NamespaceNotFoundError{Store: adapterName, Namespace: from}
		}
		if err != nil {
			return fmt.Errorf("rename namespace %s: %w", from, err)
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&namespaceRow{Name: to}).Error; err != nil {
			return fmt.Errorf("rename namespace %s to %s: %w", from, to, err)
		}
		if err := tx.Model(&nodeRow{}).Where("namespace = ?", from).Update("namespace", to).Error; err != nil {
			return fmt.Errorf("rename %s nodes: %w", from, err)
		}
		if err := tx.Where("name = ?", from).Delete(&namespaceRow{}).Error; err != nil {
			return fmt.Errorf("rename namespace %s: drop old name: %w", from, err)
		}
		if err := tx.Model(&aliasRow{}).Where("namespace = ?", from).Update("namespace", to).Error; err != nil {
			return fmt.Errorf("rename namespace %s: move alias: %w", from, err)
		}
		return nil
	})
}

// Promote implements store.Adapter.
func (s *Store) Promote(ctx context.Context, ns string) error {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alias"}},
		DoUpdates: clause.AssignmentColumns([]string{"namespace"}),
	}).Create(&aliasRow{Alias: "production", Namespace: ns}).Error
	if err != nil {
		return fmt.Errorf("promote %s: %w", ns, err)
	}
	return nil
}

// ProductionNamespace implements store.Adapter.
func (s *Store) ProductionNamespace(ctx context.Context) (string, error) {
	var row aliasRow
	err := s.db.WithContext(ctx).Where("alias = ?", "production").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve production alias: %w", err)
	}
	return row.Namespace, nil
}

// Snapshot implements store.Adapter.
func (s *Store) Snapshot(ctx context.Context, destNS string) (store.SnapshotRef, error) {
	prod, err := s.ProductionNamespace(ctx)
	if err != nil {
		return store.SnapshotRef{}, err
	}
	if prod == "" {
		return store.SnapshotRef{}, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&namespaceRow{Name: destNS}).Error; err != nil {
			return fmt.Errorf("ensure snapshot namespace %s: %w", destNS, err)
		}
		// A retried snapshot overwrites any partial earlier copy.
		if err := tx.Where("namespace = ?", destNS).Delete(&nodeRow{}).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			"INSERT INTO graph_nodes (namespace, node_id, parent_id, kind, ordinal, next_id, prev_id, cross_refs) "+
				"SELECT ?, node_id, parent_id, kind, ordinal, next_id, prev_id, cross_refs FROM graph_nodes WHERE namespace = ?",
			destNS, prod).Error; err != nil {
			return fmt.Errorf("copy nodes to %s: %w", destNS, err)
		}
		return nil
	})
	if err != nil {
		return store.SnapshotRef{}, err
	}

	count, digest, err := store.DigestNamespace(ctx, func(token string, size int) ([]string, string, error) {
		return s.ListIdentifiers(ctx, destNS, token, size)
	})
	if err != nil {
		return store.SnapshotRef{}, err
	}
	return store.SnapshotRef{
		Store:     adapterName,
		Namespace: destNS,
		Count:     count,
		Digest:    digest,
		TakenAt:   time.Now(),
	}, nil
}

// VerifySnapshot implements store.Adapter.
func (s *Store) VerifySnapshot(ctx context.Context, ref store.SnapshotRef) error {
	if ref.Empty() {
		return nil
	}
	count, digest, err := store.DigestNamespace(ctx, func(token string, size int) ([]string, string, error) {
		return s.ListIdentifiers(ctx, ref.Namespace, token, size)
	})
	if err != nil {
		return err
	}
	if count != ref.Count || digest != ref.Digest {
		return &store.IntegrityError{
			Store:      adapterName,
			Namespace:  ref.Namespace,
			WantCount:  ref.Count,
			GotCount:   count,
			WantDigest: ref.Digest,
			GotDigest:  digest,
		}
	}
	return nil
}

// Restore implements store.Adapter.
func (s *Store) Restore(ctx context.Context, ref store.SnapshotRef) error {
	if ref.Empty() {
		err := s.db.WithContext(ctx).Where("alias = ?", "production").Delete(&aliasRow{}).Error
		if err != nil {
			return fmt.Errorf("clear production alias: %w", err)
		}
		return nil
	}
	if err := s.VerifySnapshot(ctx, ref); err != nil {
		return err
	}
	return s.Promote(ctx, ref.Namespace)
}

// HealthCheck implements store.Adapter.
func (s *Store) HealthCheck(ctx context.Context) (store.HealthStatus, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return store.HealthUnavailable, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return store.HealthUnavailable, err
	}
	if time.Since(start) > 500*time.Millisecond {
		return store.HealthDegraded, nil
	}
	return store.HealthOK, nil
}

var (
	_ store.GraphAdapter     = (*Store)(nil)
	_ store.NamespaceRenamer = (*Store)(nil)
)
