package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

const pointerRowID = "production"

// Pointer returns the current production pointer, or nil, nil before the
// first commit.
func (s *Store) Pointer(ctx context.Context) (*ProductionPointerRecord, error) {
	var rec ProductionPointerRecord
	err := s.db.WithContext(ctx).Where("id = ?", pointerRowID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get production pointer: %w", err)
	}
	return &rec, nil
}

// AdvancePointer moves the production pointer to versionID. The caller must
// present the token it last observed; a stale token loses the compare-and-swap
// and gets a PointerConflictError. expectedToken 0 initializes the pointer.
func (s *Store) AdvancePointer(ctx context.Context, versionID string, expectedToken int64) (*ProductionPointerRecord, error) {
	var out *ProductionPointerRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current ProductionPointerRecord
		err := tx.Where("id = ?", pointerRowID).First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if expectedToken != 0 {
				return &PointerConflictError{ExpectedToken: expectedToken, CurrentToken: 0}
			}
			out = &ProductionPointerRecord{ID: pointerRowID, VersionID: versionID, Token: 1}
			if err := tx.Create(out).Error; err != nil {
				return fmt.Errorf("initialize production pointer: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("read production pointer: %w", err)
		}

		res := tx.Model(&ProductionPointerRecord{}).
			Where("id = ? AND token = ?", pointerRowID, expectedToken).
			Updates(map[string]any{"version_id": versionID, "token": expectedToken + 1})
		if res.Error != nil {
			return fmt.Errorf("advance production pointer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &PointerConflictError{ExpectedToken: expectedToken, CurrentToken: current.Token}
		}
		out = &ProductionPointerRecord{ID: pointerRowID, VersionID: versionID, Token: expectedToken + 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
