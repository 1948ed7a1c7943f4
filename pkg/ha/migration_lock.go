// Package ha provides the cross-process exclusion primitive for running the
// engine with multiple replicas against one shared registry database.
package ha

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// ErrLockHeld is returned when another process already holds the migration
// lease. Only one migration may run at a time across all replicas; a caller
// seeing this should report the conflict, not queue behind it.
var ErrLockHeld = errors.New("migration lock is held by another process")

// MigrationLocker serializes data migrations across processes. Within one
// process the registry's state machine already rejects a second concurrent
// migration; the locker extends that guarantee to multiple replicas sharing
// the same registry database.
type MigrationLocker interface {
	// WithLock runs fn while holding the cross-process migration lease.
	// It fails fast with ErrLockHeld when another holder exists.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker creates a MigrationLocker appropriate for the registry
// database dialect. PostgreSQL uses session advisory locks; other dialects
// use a lease table with insert-or-fail semantics. The lease table is
// created immediately so a first caller never races table creation.
func NewMigrationLocker(db *gorm.DB) MigrationLocker {
	if db == nil {
		return Noop()
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("tristore-data-migration"))),
		}
	}
	lock := &leaseTableLock{db: db, staleAfter: defaultLeaseStaleAfter}
	_ = db.AutoMigrate(&migrationLeaseRecord{})
	return lock
}

// Noop returns a locker that provides no cross-process exclusion. It is the
// right choice for single-process deployments and tests; the registry's
// single-active-migration check still applies.
func Noop() MigrationLocker { return noopMigrationLock{} }

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock uses a PostgreSQL try-advisory-lock so a second migration
// attempt fails immediately instead of queueing behind a long-running one.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Advisory locks are session-scoped, so acquire and release must run on
	// the same pooled connection.
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var acquired bool
		if err := conn.Raw("SELECT pg_try_advisory_lock(?)", l.lockID).Scan(&acquired).Error; err != nil {
			return fmt.Errorf("acquire migration advisory lock: %w", err)
		}
		if !acquired {
			return ErrLockHeld
		}
		defer func() {
			_ = conn.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
		}()
		return fn()
	})
}

// migrationLeaseRecord is the single-row lease table used on dialects
// without advisory locks.
type migrationLeaseRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LeasedAt time.Time `gorm:"column:leased_at"`
	LeasedBy string    `gorm:"column:leased_by"`
}

func (migrationLeaseRecord) TableName() string { return "migration_lease" }

const (
	leaseRowID = "data-migration"

	// A migration that holds the lease longer than this is presumed
	// crashed; the validation budget alone is 15 minutes, so the lease
	// must comfortably exceed it.
	defaultLeaseStaleAfter = 30 * time.Minute
)

// leaseTableLock implements the lease on SQLite and MySQL: a primary-key
// insert either wins or collides. Stale leases from crashed holders are
// swept before each attempt.
type leaseTableLock struct {
	db         *gorm.DB
	staleAfter time.Duration
}

func (l *leaseTableLock) WithLock(ctx context.Context, fn func() error) error {
	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}

	l.db.WithContext(ctx).
		Where("id = ? AND leased_at < ?", leaseRowID, time.Now().Add(-l.staleAfter)).
		Delete(&migrationLeaseRecord{})

	lease := migrationLeaseRecord{
		ID:       leaseRowID,
		LeasedAt: time.Now(),
		LeasedBy: holder,
	}
	if err := l.db.WithContext(ctx).Create(&lease).Error; err != nil {
		return ErrLockHeld
	}
	defer func() {
		l.db.Where("id = ?", leaseRowID).Delete(&migrationLeaseRecord{})
	}()
	return fn()
}
