package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/storycraft/deploy/internal/models"
	"github.com/storycraft/deploy/internal/queue"
	"github.com/storycraft/deploy/internal/repository"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

// DeploymentService records stack runs and hands them to the worker.
type DeploymentService interface {
	// Deployment lifecycle
	CreateDeployment(ctx context.Context, input *CreateDeploymentInput) (*models.Deployment, error)
	GetDeployment(ctx context.Context, deploymentID uuid.UUID) (*models.Deployment, error)
	ListDeployments(ctx context.Context, filters *DeploymentFilters) ([]models.Deployment, error)
	GetDeploymentLogs(ctx context.Context, deploymentID uuid.UUID) ([]DeploymentLog, error)

	// Status updates (called by worker)
	UpdateDeploymentStatus(ctx context.Context, deploymentID uuid.UUID, status, errMsg string) error
	SaveDeploymentOutputs(ctx context.Context, deploymentID uuid.UUID, outputs map[string]any) error
	SetDeploymentImage(ctx context.Context, deploymentID uuid.UUID, tag, digest string) error
	AppendLog(ctx context.Context, deploymentID uuid.UUID, log DeploymentLog) error
}

// Enqueuer is the part of *asynq.Client the service uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type CreateDeploymentInput struct {
	Action string `json:"action" validate:"required,oneof=apply destroy"`
}

type DeploymentFilters struct {
	Limit int
}

type DeploymentLog struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type deploymentService struct {
	stack      string
	deployRepo repository.DeploymentRepository
	enqueuer   Enqueuer
}

// NewDeploymentService returns a service for the stack named by key. A nil
// enqueuer records deployments without running them.
func NewDeploymentService(key string, deployRepo repository.DeploymentRepository, enqueuer Enqueuer) DeploymentService {
	return &deploymentService{stack: key, deployRepo: deployRepo, enqueuer: enqueuer}
}

var _ DeploymentService = (*deploymentService)(nil)

func (s *deploymentService) CreateDeployment(ctx context.Context, input *CreateDeploymentInput) (*models.Deployment, error) {
	logger.L().Info("create deployment", logger.Stack(s.stack), zap.String("action", input.Action))

	if _, err := queue.TaskType(input.Action); err != nil {
		return nil, err
	}

	var active models.Deployment
	err := s.deployRepo.GetActiveByStack(ctx, s.stack, &active)
	switch {
	case err == nil:
		return nil, appErr.New(appErr.CodeConflict, "another deployment is active for this stack").
			WithMeta("deployment_id", active.ID.String())
	case !appErr.IsCode(err, appErr.CodeNotFound):
		return nil, err
	}

	d := &models.Deployment{
		Stack:  s.stack,
		Action: input.Action,
		Status: models.StatusPending,
	}
	if err := s.deployRepo.Create(ctx, d); err != nil {
		// The one-active-run index catches a request that raced the check above.
		if appErr.IsCode(err, appErr.CodeConflict) {
			return nil, appErr.Wrap(err, appErr.CodeConflict, "another deployment is active for this stack")
		}
		return nil, err
	}

	task, err := queue.NewDeploymentTask(d)
	if err != nil {
		return nil, err
	}
	if s.enqueuer == nil {
		logger.L().Warn("asynq client not configured, skipping enqueue", zap.String("deployment_id", d.ID.String()))
		return d, nil
	}
	if _, err := s.enqueuer.EnqueueContext(ctx, task); err != nil {
		logger.L().Error("enqueue stack task failed", zap.Error(err), zap.String("deployment_id", d.ID.String()))
		_ = s.deployRepo.UpdateStatus(ctx, d.ID, models.StatusFailed, "enqueue failed")
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "enqueue stack task failed")
	}

	logger.L().Info("deployment created and enqueued", zap.String("deployment_id", d.ID.String()), logger.Stack(s.stack))
	return d, nil
}

func (s *deploymentService) GetDeployment(ctx context.Context, deploymentID uuid.UUID) (*models.Deployment, error) {
	var d models.Deployment
	if err := s.deployRepo.GetByID(ctx, deploymentID, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *deploymentService) ListDeployments(ctx context.Context, filters *DeploymentFilters) ([]models.Deployment, error) {
	limit := 0
	if filters != nil {
		limit = filters.Limit
	}
	return s.deployRepo.ListByStack(ctx, s.stack, limit)
}

// GetDeploymentLogs parses the JSON lines stored with a deployment. Lines
// that are not entries come back as plain info messages.
func (s *deploymentService) GetDeploymentLogs(ctx context.Context, deploymentID uuid.UUID) ([]DeploymentLog, error) {
	d, err := s.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return ParseLogs(d.Logs), nil
}

func (s *deploymentService) UpdateDeploymentStatus(ctx context.Context, deploymentID uuid.UUID, status, errMsg string) error {
	logger.L().Info("update deployment status", zap.String("deployment_id", deploymentID.String()), zap.String("status", status))
	return s.deployRepo.UpdateStatus(ctx, deploymentID, status, errMsg)
}

func (s *deploymentService) SaveDeploymentOutputs(ctx context.Context, deploymentID uuid.UUID, outputs map[string]any) error {
	b, err := json.Marshal(outputs)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "marshal outputs failed")
	}
	return s.deployRepo.SaveOutputs(ctx, deploymentID, datatypes.JSON(b))
}

func (s *deploymentService) SetDeploymentImage(ctx context.Context, deploymentID uuid.UUID, tag, digest string) error {
	return s.deployRepo.SetImage(ctx, deploymentID, tag, digest)
}

func (s *deploymentService) AppendLog(ctx context.Context, deploymentID uuid.UUID, entry DeploymentLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal log entry failed")
	}
	return s.deployRepo.AppendLog(ctx, deploymentID, string(b))
}

// ParseLogs splits stored deployment logs into entries.
func ParseLogs(raw string) []DeploymentLog {
	var out []DeploymentLog
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e DeploymentLog
		if err := json.Unmarshal([]byte(line), &e); err != nil || e.Message == "" {
			e = DeploymentLog{Level: "info", Message: line}
		}
		out = append(out, e)
	}
	return out
}
