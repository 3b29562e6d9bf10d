package handlers

import (
	"context"
	"net/http"

	"github.com/storycraft/deploy/internal/api/types"
	"github.com/storycraft/deploy/internal/provisioner/terraform"
)

// StateReader reads stored stack state.
type StateReader interface {
	GetState(ctx context.Context, stack string) (*terraform.State, error)
}

type StackHandler struct {
	key   string
	state StateReader
}

func NewStackHandler(key string, state StateReader) *StackHandler {
	return &StackHandler{key: key, state: state}
}

// Get reports whether the stack is deployed, its applied digest and its
// last outputs.
func (h *StackHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.state.GetState(r.Context(), h.key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := types.StackResponse{Stack: h.key}
	if st != nil {
		resp.Deployed = st.AppliedDigest != ""
		resp.AppliedDigest = st.AppliedDigest.String()
		resp.Outputs = st.Outputs
		resp.UpdatedAt = &st.UpdatedAt
	}
	writeOK(w, r, http.StatusOK, resp, nil)
}
