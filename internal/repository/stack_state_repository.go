package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storycraft/deploy/internal/models"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

type StackStateRepository interface {
	Get(ctx context.Context, stack string, dest *models.StackState) error
	// Save writes state, digest and outputs. The lock columns are left alone.
	Save(ctx context.Context, st *models.StackState) error
	// Lock takes the stack lock for holder. It fails with CodeLocked when
	// another holder has it.
	Lock(ctx context.Context, stack, holder string) error
	Unlock(ctx context.Context, stack string) error
}

type stackStateRepository struct {
	db *gorm.DB
}

func NewStackStateRepository(db *gorm.DB) StackStateRepository {
	return &stackStateRepository{db: db}
}

func (r *stackStateRepository) Get(ctx context.Context, stack string, dest *models.StackState) error {
	if err := r.db.WithContext(ctx).First(dest, "stack = ?", stack).Error; err != nil {
		return notFoundOr(err, "stack state")
	}
	return nil
}

func (r *stackStateRepository) Save(ctx context.Context, st *models.StackState) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stack"}},
		DoUpdates: clause.AssignmentColumns([]string{"engine_state", "applied_digest", "outputs", "updated_at"}),
	}).Omit("locked_by", "locked_at").Create(st).Error
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "save stack state failed")
	}
	return nil
}

func (r *stackStateRepository) Lock(ctx context.Context, stack, holder string) error {
	db := r.db.WithContext(ctx)
	row := models.StackState{Stack: stack}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "ensure stack state row failed")
	}

	now := time.Now().UTC()
	res := db.Model(&models.StackState{}).
		Where("stack = ? AND locked_by = ''", stack).
		Updates(map[string]any{"locked_by": holder, "locked_at": now})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "lock stack state failed")
	}
	if res.RowsAffected == 0 {
		var cur models.StackState
		_ = db.Select("locked_by", "locked_at").First(&cur, "stack = ?", stack).Error
		return appErr.Newf(appErr.CodeLocked, "stack %s is locked by %s", stack, cur.LockedBy).
			WithMeta("locked_by", cur.LockedBy)
	}
	return nil
}

func (r *stackStateRepository) Unlock(ctx context.Context, stack string) error {
	res := r.db.WithContext(ctx).Model(&models.StackState{}).
		Where("stack = ?", stack).
		Updates(map[string]any{"locked_by": "", "locked_at": nil})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "unlock stack state failed")
	}
	return nil
}
