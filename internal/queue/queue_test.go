package queue

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storycraft/deploy/internal/models"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

func TestNewDeploymentTask(t *testing.T) {
	tests := []struct {
		action string
		want   string
	}{
		{models.ActionApply, TypeStackApply},
		{models.ActionDestroy, TypeStackDestroy},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			d := &models.Deployment{ID: uuid.New(), Action: tt.action}
			task, err := NewDeploymentTask(d)
			require.NoError(t, err)
			assert.Equal(t, tt.want, task.Type())

			p, err := ParsePayload(task)
			require.NoError(t, err)
			assert.Equal(t, d.ID.String(), p.DeploymentID)
		})
	}
}

func TestNewDeploymentTaskRejectsUnknownAction(t *testing.T) {
	_, err := NewDeploymentTask(&models.Deployment{ID: uuid.New(), Action: "plan"})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestParsePayloadErrors(t *testing.T) {
	_, err := ParsePayload(asynq.NewTask(TypeStackApply, []byte("{")))
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))

	_, err = ParsePayload(asynq.NewTask(TypeStackApply, []byte(`{}`)))
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}
