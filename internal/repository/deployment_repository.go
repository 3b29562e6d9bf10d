package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/storycraft/deploy/internal/models"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	ListByStack(ctx context.Context, stack string, limit int) ([]models.Deployment, error)
	GetActiveByStack(ctx context.Context, stack string, dest *models.Deployment) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status, errMsg string) error
	AppendLog(ctx context.Context, id uuid.UUID, line string) error
	SaveOutputs(ctx context.Context, id uuid.UUID, outputs datatypes.JSON) error
	SetImage(ctx context.Context, id uuid.UUID, tag, digest string) error
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{BaseRepository: NewBaseRepository[models.Deployment](db, "deployment"), db: db}
}

func (r *deploymentRepository) ListByStack(ctx context.Context, stack string, limit int) ([]models.Deployment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []models.Deployment
	q := r.db.WithContext(ctx).Omit("logs").Order("created_at DESC").Limit(limit)
	if stack != "" {
		q = q.Where("stack = ?", stack)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) GetActiveByStack(ctx context.Context, stack string, dest *models.Deployment) error {
	err := r.db.WithContext(ctx).
		Where("stack = ? AND status IN ?", stack, []string{models.StatusPending, models.StatusRunning}).
		Order("created_at DESC").
		First(dest).Error
	if err != nil {
		return notFoundOr(err, "active deployment")
	}
	return nil
}

// UpdateStatus moves a deployment to status and stamps the start or
// completion time.
func (r *deploymentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status, errMsg string) error {
	now := time.Now().UTC()
	updates := map[string]any{"status": status}
	switch status {
	case models.StatusRunning:
		updates["started_at"] = now
	case models.StatusCompleted, models.StatusFailed:
		updates["completed_at"] = now
		updates["error"] = errMsg
	}
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update deployment status failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) AppendLog(ctx context.Context, id uuid.UUID, line string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).
		Update("logs", gorm.Expr("COALESCE(logs, '') || ?", line+"\n"))
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "append deployment log failed")
	}
	return nil
}

func (r *deploymentRepository) SaveOutputs(ctx context.Context, id uuid.UUID, outputs datatypes.JSON) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).Update("outputs", outputs)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "save deployment outputs failed")
	}
	return nil
}

func (r *deploymentRepository) SetImage(ctx context.Context, id uuid.UUID, tag, digest string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", id).
		Updates(map[string]any{"image_tag": tag, "digest": digest})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set deployment image failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}
