package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/storycraft/deploy/internal/api/middleware"
	"github.com/storycraft/deploy/internal/api/types"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, r *http.Request, status int, data any, meta *types.Meta) {
	if meta == nil {
		meta = &types.Meta{}
	}
	meta.RequestID = middleware.GetRequestID(r.Context())
	writeJSON(w, status, types.APIResponse{Success: true, Data: data, Meta: meta})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, types.HTTPStatus(err), types.APIResponse{
		Success: false,
		Error:   types.FromAppError(err),
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context())},
	})
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "invalid request: "+err.Error())
	}
	return nil
}
