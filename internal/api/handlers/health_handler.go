package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/api/types"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

// Check probes one dependency for readiness.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type HealthHandler struct {
	checks []Check
}

func NewHealthHandler(checks ...Check) *HealthHandler { return &HealthHandler{checks: checks} }

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

// Readiness runs every check; any failure answers 503.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := map[string]string{}
	for _, c := range h.checks {
		if err := c.Probe(ctx); err != nil {
			logger.L().Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			status[c.Name] = err.Error()
			continue
		}
		status[c.Name] = "ok"
	}
	for _, c := range h.checks {
		if status[c.Name] != "ok" {
			writeJSON(w, http.StatusServiceUnavailable, types.APIResponse{
				Success: false,
				Data:    status,
				Error:   &types.APIError{Code: string(appErr.CodeUnavailable), Message: c.Name + " is not ready"},
			})
			return
		}
	}
	status["status"] = "ready"
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: status})
}
