package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/storycraft/deploy/internal/api/types"
	"github.com/storycraft/deploy/internal/services"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

type DeploymentsHandler struct {
	svc services.DeploymentService
}

func NewDeploymentsHandler(svc services.DeploymentService) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc}
}

func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.svc.ListDeployments(r.Context(), &services.DeploymentFilters{Limit: limit})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, items, &types.Meta{Limit: limit, Total: int64(len(items))})
}

// Create requests an apply or destroy run of the stack. The run happens in
// the worker; poll Get for its status.
func (h *DeploymentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.DeploymentCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.svc.CreateDeployment(r.Context(), &services.CreateDeploymentInput{Action: req.Action})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusAccepted, d, nil)
}

func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.svc.GetDeployment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, d, nil)
}

func (h *DeploymentsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logs, err := h.svc.GetDeploymentLogs(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, logs, &types.Meta{Total: int64(len(logs))})
}

func deploymentID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid deployment id")
	}
	return id, nil
}
