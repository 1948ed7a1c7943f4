// Package relational implements the relational metadata store adapter on
// gorm. Namespaces are row partitions; the production namespace is resolved
// through a single-row alias table so promotion is one pointer swap.
package relational

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

const adapterName = "relational"

type namespaceRow struct {
	Name      string    `gorm:"primaryKey;column:name"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (namespaceRow) TableName() string { return "relational_namespaces" }

type aliasRow struct {
	Alias     string    `gorm:"primaryKey;column:alias"`
	Namespace string    `gorm:"column:namespace;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (aliasRow) TableName() string { return "relational_aliases" }

type groupRow struct {
	RowID     uint64 `gorm:"primaryKey;column:row_id;autoIncrement"`
	Namespace string `gorm:"column:namespace;uniqueIndex:idx_rel_groups_ns_id,priority:1;not null"`
	GroupID   string `gorm:"column:group_id;uniqueIndex:idx_rel_groups_ns_id,priority:2;not null"`
	Title     string `gorm:"column:title"`
	Ordinal   int    `gorm:"column:ordinal"`
	LeafCount int    `gorm:"column:leaf_count"`
}

func (groupRow) TableName() string { return "relational_groups" }

type leafRow struct {
	RowID         uint64 `gorm:"primaryKey;column:row_id;autoIncrement"`
	Namespace     string `gorm:"column:namespace;uniqueIndex:idx_rel_leaves_ns_id,priority:1;not null"`
	LeafID        string `gorm:"column:leaf_id;uniqueIndex:idx_rel_leaves_ns_id,priority:2;not null"`
	GroupID       string `gorm:"column:group_id;index:idx_rel_leaves_group;not null"`
	Ordinal       int    `gorm:"column:ordinal"`
	ContentDigest string `gorm:"column:content_digest"`
	CharCount     int    `gorm:"column:char_count"`
}

func (leafRow) TableName() string { return "relational_leaves" }

// Store is the relational adapter.
type Store struct {
	db *gorm.DB
}

// New creates a relational adapter over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the adapter tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&namespaceRow{}, &aliasRow{}, &groupRow{}, &leafRow{}); err != nil {
		return fmt.Errorf("auto-migrate relational tables: %w", err)
	}
	return nil
}

// Name implements store.Adapter.
func (s *Store) Name() string { return adapterName }

// EnsureNamespace implements store.Adapter. Safe to call repeatedly.
func (s *Store) EnsureNamespace(ctx context.Context, ns string) error {
	if ns == "" {
		return fmt.Errorf("relational store: empty namespace")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&namespaceRow{Name: ns}).Error
	if err != nil {
		return fmt.Errorf("ensure namespace %s: %w", ns, err)
	}
	return nil
}

// DropNamespace implements store.Adapter. Dropping an absent namespace is a
// no-op.
func (s *Store) DropNamespace(ctx context.Context, ns string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("namespace = ?", ns).Delete(&leafRow{}).Error; err != nil {
			return fmt.Errorf("drop namespace %s leaves: %w", ns, err)
		}
		if err := tx.Where("namespace = ?", ns).Delete(&groupRow{}).Error; err != nil {
			return fmt.Errorf("drop namespace %s groups: %w", ns, err)
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

// UpsertGroup implements store.RelationalAdapter.
func (s *Store) UpsertGroup(ctx context.Context, ns string, group store.GroupRecord) error {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return err
	}
	row := groupRow{
		Namespace: ns,
		GroupID:   group.ID,
		Title:     group.Title,
		Ordinal:   group.Ordinal,
		LeafCount: group.LeafCount,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "ordinal", "leaf_count"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert group %s in %s: %w", group.ID, ns, err)
	}
	return nil
}

// UpsertLeaf implements store.RelationalAdapter. A leaf whose group is
// missing from the namespace is rejected, not silently inserted.
func (s *Store) UpsertLeaf(ctx context.Context, ns string, leaf store.LeafMetadata) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parent groupRow
		err := tx.Where("namespace = ? AND group_id = ?", ns, leaf.GroupID).First(&parent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if nsErr := s.namespaceExists(ctx, ns); nsErr != nil {
				return nsErr
			}
			return &store.MissingParentError{Store: adapterName, Namespace: ns, ID: leaf.ID, ParentID: leaf.GroupID}
		}
		if err != nil {
			return fmt.Errorf("check group %s in %s: %w", leaf.GroupID, ns, err)
		}

		row := leafRow{
			Namespace:     ns,
			LeafID:        leaf.ID,
			GroupID:       leaf.GroupID,
			Ordinal:       leaf.Ordinal,
			ContentDigest: leaf.ContentDigest,
			CharCount:     leaf.CharCount,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "leaf_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"group_id", "ordinal", "content_digest", "char_count"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upsert leaf %s in %s: %w", leaf.ID, ns, err)
		}
		return nil
	})
}

// Count implements store.Adapter; it counts the primary (leaf) records.
func (s *Store) Count(ctx context.Context, ns string) (int64, error) {
	return s.CountLeaves(ctx, ns)
}

// CountGroups implements store.RelationalAdapter.
func (s *Store) CountGroups(ctx context.Context, ns string) (int64, error) {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&groupRow{}).Where("namespace = ?", ns).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count groups in %s: %w", ns, err)
	}
	return n, nil
}

// CountLeaves implements store.RelationalAdapter.
func (s *Store) CountLeaves(ctx context.Context, ns string) (int64, error) {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&leafRow{}).Where("namespace = ?", ns).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count leaves in %s: %w", ns, err)
	}
	return n, nil
}

// ListIdentifiers implements store.Adapter. Pagination is keyed by the
// internal row id so duplicates, if any slipped past the unique index, are
// never skipped.
func (s *Store) ListIdentifiers(ctx context.Context, ns string, pageToken string, pageSize int) ([]string, string, error) {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return nil, "", err
	}
	if pageSize <= 0 {
		pageSize = 1000
	}
	after, err := parseRowToken(pageToken)
	if err != nil {
		return nil, "", err
	}

	var rows []leafRow
	err = s.db.WithContext(ctx).
		Where("namespace = ? AND row_id > ?", ns, after).
		Order("row_id").Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, "", fmt.Errorf("list identifiers in %s: %w", ns, err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.LeafID
	}
	var next string
	if len(rows) == pageSize {
		next = strconv.FormatUint(rows[len(rows)-1].RowID, 10)
	}
	return ids, next, nil
}

// RenameNamespace implements store.NamespaceRenamer. Rows are repartitioned
// under the new name inside one transaction; the production alias follows.
func (s *Store) RenameNamespace(ctx context.Context, from, to string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var src namespaceRow
		err := tx.Where("name = ?", from).First(&src).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			var dst namespaceRow
			if dstErr := tx.Where("name = ?", to).First(&dst).Error; dstErr == nil {
				// Retried rename, already done.
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
		if err := tx.Model(&groupRow{}).Where("namespace = ?", from).Update("namespace", to).Error; err != nil {
			return fmt.Errorf("rename %s groups: %w", from, err)
		}
		if err := tx.Model(&leafRow{}).Where("namespace = ?", from).Update("namespace", to).Error; err != nil {
			return fmt.Errorf("rename %s leaves: %w", from, err)
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
		if err := tx.Where("namespace = ?", destNS).Delete(&leafRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("namespace = ?", destNS).Delete(&groupRow{}).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			"INSERT INTO relational_groups (namespace, group_id, title, ordinal, leaf_count) "+
				"SELECT ?, group_id, title, ordinal, leaf_count FROM relational_groups WHERE namespace = ?",
			destNS, prod).Error; err != nil {
			return fmt.Errorf("copy groups to %s: %w", destNS, err)
		}
		if err := tx.Exec(
			"INSERT INTO relational_leaves (namespace, leaf_id, group_id, ordinal, content_digest, char_count) "+
				"SELECT ?, leaf_id, group_id, ordinal, content_digest, char_count FROM relational_leaves WHERE namespace = ?",
			destNS, prod).Error; err != nil {
			return fmt.Errorf("copy leaves to %s: %w", destNS, err)
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
		// Production had never been promoted when the snapshot was taken.
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
	_ store.RelationalAdapter = (*Store)(nil)
	_ store.NamespaceRenamer  = (*Store)(nil)
)

func parseRowToken(token string) (uint64, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid page token %q: %w", token, err)
	}
	return n, nil
}
