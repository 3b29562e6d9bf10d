package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/api/types"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

// Recovery logs panics and returns 500 with a generic message.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.L().Error("panic recovered",
					zap.String("id", GetRequestID(r.Context())),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, types.APIResponse{
					Success: false,
					Error:   &types.APIError{Code: string(appErr.CodeInternal), Message: http.StatusText(http.StatusInternalServerError)},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
