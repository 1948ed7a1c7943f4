package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OperationLog stores append-only audit entries for version operations.
type OperationLog struct {
	db *gorm.DB
}

// NewOperationLog creates a new OperationLog.
func NewOperationLog(db *gorm.DB) *OperationLog {
	return &OperationLog{db: db}
}

// Append records the start of an operation and returns the entry so the
// caller can complete it later.
func (l *OperationLog) Append(ctx context.Context, versionID, operation, details string) (*OperationLogEntry, error) {
	entry := &OperationLogEntry{
		ID:        uuid.New().String(),
		VersionID: versionID,
		Operation: operation,
		Status:    OpStatusStarted,
		Details:   details,
		StartedAt: time.Now(),
	}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("append operation log: %w", err)
	}
	return entry, nil
}

// Complete finalizes an entry with a terminal status. Completed entries are
// immutable: a second Complete on the same entry is rejected.
func (l *OperationLog) Complete(ctx context.Context, entryID, status, details string) error {
	now := time.Now()
	res := l.db.WithContext(ctx).Model(&OperationLogEntry{}).
		Where("id = ? AND completed_at IS NULL", entryID).
		Updates(map[string]any{"status": status, "details": details, "completed_at": &now})
	if res.Error != nil {
		return fmt.Errorf("complete operation log entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("operation log entry %s missing or already completed", entryID)
	}
	return nil
}

// ListByVersion returns paginated entries for a version, newest first.
// pageToken is an RFC3339Nano timestamp over started_at.
func (l *OperationLog) ListByVersion(ctx context.Context, versionID string, pageSize int, pageToken string) ([]OperationLogEntry, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var totalSize int64
	if err := l.db.WithContext(ctx).Model(&OperationLogEntry{}).Where("version_id = ?", versionID).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count operation log: %w", err)
	}

	query := l.db.WithContext(ctx).Where("version_id = ?", versionID).Order("started_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("started_at < ?", t)
	}

	var entries []OperationLogEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list operation log: %w", err)
	}

	var nextToken string
	if len(entries) > pageSize {
		nextToken = entries[pageSize-1].StartedAt.Format(time.RFC3339Nano)
		entries = entries[:pageSize]
	}

	return entries, nextToken, int(totalSize), nil
}

// DeleteOlderThan removes completed entries that started before the cutoff.
// Returns the number of rows deleted. Entries still in flight are kept.
func (l *OperationLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("started_at < ? AND completed_at IS NOT NULL", cutoff).
		Delete(&OperationLogEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge operation log: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Get retrieves one entry by ID. Returns nil, nil if no entry exists.
func (l *OperationLog) Get(ctx context.Context, entryID string) (*OperationLogEntry, error) {
	var entry OperationLogEntry
	err := l.db.WithContext(ctx).Where("id = ?", entryID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get operation log entry: %w", err)
	}
	return &entry, nil
}

// appendCompletedEntry inserts an already-terminal entry inside the caller's
// transaction, used for instantaneous events such as state transitions.
func appendCompletedEntry(tx *gorm.DB, versionID, operation, details string) error {
	now := time.Now()
	entry := &OperationLogEntry{
		ID:          uuid.New().String(),
		VersionID:   versionID,
		Operation:   operation,
		Status:      OpStatusCompleted,
		Details:     details,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("append operation log: %w", err)
	}
	return nil
}
