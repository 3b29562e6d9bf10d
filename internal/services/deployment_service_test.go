package services

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/storycraft/deploy/internal/models"
	"github.com/storycraft/deploy/internal/queue"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

const testStack = "storycraft-dev/storycraft"

type mockDeploymentRepository struct {
	mock.Mock
}

func (m *mockDeploymentRepository) Create(ctx context.Context, obj *models.Deployment) error {
	args := m.Called(ctx, obj)
	if obj.ID == uuid.Nil {
		obj.ID = uuid.New()
	}
	return args.Error(0)
}

func (m *mockDeploymentRepository) GetByID(ctx context.Context, id any, dest *models.Deployment) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		*dest = *args.Get(1).(*models.Deployment)
	}
	return args.Error(0)
}

func (m *mockDeploymentRepository) Update(ctx context.Context, obj *models.Deployment) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *mockDeploymentRepository) Delete(ctx context.Context, id any) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockDeploymentRepository) ListByStack(ctx context.Context, stack string, limit int) ([]models.Deployment, error) {
	args := m.Called(ctx, stack, limit)
	if v := args.Get(0); v != nil {
		return v.([]models.Deployment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDeploymentRepository) GetActiveByStack(ctx context.Context, stack string, dest *models.Deployment) error {
	args := m.Called(ctx, stack, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		*dest = *args.Get(1).(*models.Deployment)
	}
	return args.Error(0)
}

func (m *mockDeploymentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status, errMsg string) error {
	return m.Called(ctx, id, status, errMsg).Error(0)
}

func (m *mockDeploymentRepository) AppendLog(ctx context.Context, id uuid.UUID, line string) error {
	return m.Called(ctx, id, line).Error(0)
}

func (m *mockDeploymentRepository) SaveOutputs(ctx context.Context, id uuid.UUID, outputs datatypes.JSON) error {
	return m.Called(ctx, id, outputs).Error(0)
}

func (m *mockDeploymentRepository) SetImage(ctx context.Context, id uuid.UUID, tag, digest string) error {
	return m.Called(ctx, id, tag, digest).Error(0)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task)
	if v := args.Get(0); v != nil {
		return v.(*asynq.TaskInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func notFound() error { return appErr.New(appErr.CodeNotFound, "active deployment not found") }

func TestCreateDeploymentEnqueues(t *testing.T) {
	repo := &mockDeploymentRepository{}
	q := &mockEnqueuer{}
	svc := NewDeploymentService(testStack, repo, q)

	repo.On("GetActiveByStack", mock.Anything, testStack, mock.Anything).Return(notFound(), nil).Once()
	repo.On("Create", mock.Anything, mock.MatchedBy(func(d *models.Deployment) bool {
		return d.Stack == testStack && d.Action == models.ActionDestroy && d.Status == models.StatusPending
	})).Return(nil).Once()
	q.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == queue.TypeStackDestroy
	})).Return(&asynq.TaskInfo{}, nil).Once()

	d, err := svc.CreateDeployment(context.Background(), &CreateDeploymentInput{Action: models.ActionDestroy})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, d.ID)

	task := q.Calls[0].Arguments.Get(1).(*asynq.Task)
	p, err := queue.ParsePayload(task)
	require.NoError(t, err)
	assert.Equal(t, d.ID.String(), p.DeploymentID)
	mock.AssertExpectationsForObjects(t, repo, q)
}

func TestCreateDeploymentRejectsConcurrentRun(t *testing.T) {
	repo := &mockDeploymentRepository{}
	q := &mockEnqueuer{}
	svc := NewDeploymentService(testStack, repo, q)

	active := &models.Deployment{ID: uuid.New(), Stack: testStack, Status: models.StatusRunning}
	repo.On("GetActiveByStack", mock.Anything, testStack, mock.Anything).Return(nil, active).Once()

	_, err := svc.CreateDeployment(context.Background(), &CreateDeploymentInput{Action: models.ActionApply})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	q.AssertNotCalled(t, "EnqueueContext", mock.Anything, mock.Anything)
}

func TestCreateDeploymentLosesRaceToActiveRun(t *testing.T) {
	repo := &mockDeploymentRepository{}
	q := &mockEnqueuer{}
	svc := NewDeploymentService(testStack, repo, q)

	repo.On("GetActiveByStack", mock.Anything, testStack, mock.Anything).Return(notFound(), nil).Once()
	repo.On("Create", mock.Anything, mock.Anything).
		Return(appErr.New(appErr.CodeConflict, "deployment already exists")).Once()

	_, err := svc.CreateDeployment(context.Background(), &CreateDeploymentInput{Action: models.ActionApply})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))
	assert.Contains(t, err.Error(), "another deployment is active")
	q.AssertNotCalled(t, "EnqueueContext", mock.Anything, mock.Anything)
}

func TestCreateDeploymentRejectsUnknownAction(t *testing.T) {
	svc := NewDeploymentService(testStack, &mockDeploymentRepository{}, nil)
	_, err := svc.CreateDeployment(context.Background(), &CreateDeploymentInput{Action: "plan"})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestCreateDeploymentMarksFailedWhenEnqueueFails(t *testing.T) {
	repo := &mockDeploymentRepository{}
	q := &mockEnqueuer{}
	svc := NewDeploymentService(testStack, repo, q)

	repo.On("GetActiveByStack", mock.Anything, testStack, mock.Anything).Return(notFound(), nil).Once()
	repo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
	q.On("EnqueueContext", mock.Anything, mock.Anything).Return(nil, errors.New("redis: connection refused")).Once()
	repo.On("UpdateStatus", mock.Anything, mock.Anything, models.StatusFailed, "enqueue failed").Return(nil).Once()

	_, err := svc.CreateDeployment(context.Background(), &CreateDeploymentInput{Action: models.ActionApply})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeUnavailable))
	mock.AssertExpectationsForObjects(t, repo, q)
}

func TestAppendLogStoresJSONLine(t *testing.T) {
	repo := &mockDeploymentRepository{}
	svc := NewDeploymentService(testStack, repo, nil)
	id := uuid.New()

	repo.On("AppendLog", mock.Anything, id, mock.AnythingOfType("string")).Return(nil).Once()
	require.NoError(t, svc.AppendLog(context.Background(), id, DeploymentLog{Message: "terraform init"}))

	line := repo.Calls[0].Arguments.Get(2).(string)
	entries := ParseLogs(line)
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "terraform init", entries[0].Message)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestParseLogsKeepsPlainLines(t *testing.T) {
	raw := `{"timestamp":"2026-01-02T03:04:05Z","level":"error","message":"boom"}` + "\n" +
		"plain engine output\n\n"
	entries := ParseLogs(raw)
	require.Len(t, entries, 2)
	assert.Equal(t, "error", entries[0].Level)
	assert.Equal(t, "plain engine output", entries[1].Message)
}

func TestListDeploymentsScopesToStack(t *testing.T) {
	repo := &mockDeploymentRepository{}
	svc := NewDeploymentService(testStack, repo, nil)
	repo.On("ListByStack", mock.Anything, testStack, 5).Return([]models.Deployment{{Stack: testStack}}, nil).Once()

	out, err := svc.ListDeployments(context.Background(), &DeploymentFilters{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	repo.AssertExpectations(t)
}
