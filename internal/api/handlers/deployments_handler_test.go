package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/storycraft/deploy/internal/api/types"
	"github.com/storycraft/deploy/internal/models"
	"github.com/storycraft/deploy/internal/provisioner/terraform"
	"github.com/storycraft/deploy/internal/services"
	"github.com/storycraft/deploy/pkg/contenthash"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

type mockDeploymentService struct {
	mock.Mock
	services.DeploymentService
}

func (m *mockDeploymentService) CreateDeployment(ctx context.Context, input *services.CreateDeploymentInput) (*models.Deployment, error) {
	args := m.Called(ctx, input)
	if v := args.Get(0); v != nil {
		return v.(*models.Deployment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDeploymentService) GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*models.Deployment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDeploymentService) ListDeployments(ctx context.Context, filters *services.DeploymentFilters) ([]models.Deployment, error) {
	args := m.Called(ctx, filters)
	if v := args.Get(0); v != nil {
		return v.([]models.Deployment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDeploymentService) GetDeploymentLogs(ctx context.Context, id uuid.UUID) ([]services.DeploymentLog, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.([]services.DeploymentLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func routes(h *DeploymentsHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/deployments", h.List)
	r.Post("/deployments", h.Create)
	r.Get("/deployments/{id}", h.Get)
	r.Get("/deployments/{id}/logs", h.Logs)
	return r
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) types.APIResponse {
	t.Helper()
	var resp types.APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestCreateDeploymentAccepted(t *testing.T) {
	svc := &mockDeploymentService{}
	id := uuid.New()
	svc.On("CreateDeployment", mock.Anything, &services.CreateDeploymentInput{Action: models.ActionApply}).
		Return(&models.Deployment{ID: id, Action: models.ActionApply, Status: models.StatusPending}, nil).Once()

	rr := httptest.NewRecorder()
	routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"action":"apply"}`)))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), id.String())
	svc.AssertExpectations(t)
}

func TestCreateDeploymentValidatesAction(t *testing.T) {
	svc := &mockDeploymentService{}
	for _, body := range []string{`{"action":"plan"}`, `{}`, `{"action":"apply","extra":1}`, `not json`} {
		rr := httptest.NewRecorder()
		routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		assert.Equal(t, string(appErr.CodeInvalid), decodeResponse(t, rr).Error.Code)
	}
	svc.AssertNotCalled(t, "CreateDeployment", mock.Anything, mock.Anything)
}

func TestCreateDeploymentConflict(t *testing.T) {
	svc := &mockDeploymentService{}
	active := uuid.New()
	svc.On("CreateDeployment", mock.Anything, mock.Anything).
		Return(nil, appErr.New(appErr.CodeConflict, "another deployment is active for this stack").WithMeta("deployment_id", active.String())).Once()

	rr := httptest.NewRecorder()
	routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"action":"destroy"}`)))

	assert.Equal(t, http.StatusConflict, rr.Code)
	resp := decodeResponse(t, rr)
	assert.Equal(t, "deployment "+active.String(), resp.Error.Details)
}

func TestGetDeployment(t *testing.T) {
	svc := &mockDeploymentService{}
	id := uuid.New()
	svc.On("GetDeployment", mock.Anything, id).Return(&models.Deployment{ID: id, Status: models.StatusCompleted}, nil).Once()
	missing := uuid.New()
	svc.On("GetDeployment", mock.Anything, missing).Return(nil, appErr.New(appErr.CodeNotFound, "deployment not found")).Once()

	h := routes(NewDeploymentsHandler(svc))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments/"+id.String(), nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments/"+missing.String(), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListAndLogs(t *testing.T) {
	svc := &mockDeploymentService{}
	id := uuid.New()
	svc.On("ListDeployments", mock.Anything, &services.DeploymentFilters{Limit: 3}).
		Return([]models.Deployment{{ID: id}}, nil).Once()
	svc.On("GetDeploymentLogs", mock.Anything, id).
		Return([]services.DeploymentLog{{Level: "info", Message: "terraform init"}}, nil).Once()

	h := routes(NewDeploymentsHandler(svc))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments?limit=3", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, decodeResponse(t, rr).Meta.Total)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments/"+id.String()+"/logs", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "terraform init")
	svc.AssertExpectations(t)
}

type stubState struct{ st *terraform.State }

func (s stubState) GetState(context.Context, string) (*terraform.State, error) { return s.st, nil }

func TestStackHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	NewStackHandler("p/s", stubState{}).Get(rr, httptest.NewRequest(http.MethodGet, "/stack", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"deployed":false`)

	st := &terraform.State{
		Engine:        []byte(`{"secret":"should not leak"}`),
		AppliedDigest: contenthash.Sum([]byte("FROM node:20\n")),
		Outputs:       map[string]any{"service_url": "https://s-1.us-central1.run.app"},
	}
	rr = httptest.NewRecorder()
	NewStackHandler("p/s", stubState{st: st}).Get(rr, httptest.NewRequest(http.MethodGet, "/stack", nil))
	assert.Contains(t, rr.Body.String(), `"deployed":true`)
	assert.Contains(t, rr.Body.String(), "https://s-1.us-central1.run.app")
	assert.NotContains(t, rr.Body.String(), "should not leak")
}
