// Package queue defines the background tasks the API enqueues and the
// worker runs.
package queue

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/storycraft/deploy/internal/models"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

const (
	TypeStackApply   = "stack:apply"
	TypeStackDestroy = "stack:destroy"

	// Name is the asynq queue stack runs go to.
	Name = "deploy"

	// RunTimeout bounds a single engine run, image build included.
	RunTimeout = 90 * time.Minute
)

// DeploymentPayload is the payload of both stack tasks.
type DeploymentPayload struct {
	DeploymentID string `json:"deployment_id"`
}

// TaskType maps a deployment action to its task type.
func TaskType(action string) (string, error) {
	switch action {
	case models.ActionApply:
		return TypeStackApply, nil
	case models.ActionDestroy:
		return TypeStackDestroy, nil
	}
	return "", appErr.Newf(appErr.CodeInvalid, "unknown action %q", action)
}

// NewDeploymentTask builds the task that runs deployment d. Runs are not
// retried; a failed run is re-requested by creating a new deployment.
func NewDeploymentTask(d *models.Deployment) (*asynq.Task, error) {
	typ, err := TaskType(d.Action)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(DeploymentPayload{DeploymentID: d.ID.String()})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "marshal task payload")
	}
	return asynq.NewTask(typ, b,
		asynq.Queue(Name),
		asynq.MaxRetry(0),
		asynq.Timeout(RunTimeout),
	), nil
}

// ParsePayload decodes a stack task payload.
func ParsePayload(t *asynq.Task) (DeploymentPayload, error) {
	var p DeploymentPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, appErr.Wrap(err, appErr.CodeInvalid, "invalid task payload")
	}
	if p.DeploymentID == "" {
		return p, appErr.New(appErr.CodeInvalid, "task payload has no deployment id")
	}
	return p, nil
}
