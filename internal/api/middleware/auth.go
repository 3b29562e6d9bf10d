package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/storycraft/deploy/internal/api/types"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

// Auth requires "Authorization: Bearer <token>". An empty token disables
// the check.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ah := r.Header.Get("Authorization")
			if len(ah) < len("Bearer ") || !strings.EqualFold(ah[:len("Bearer ")], "bearer ") {
				unauthorized(w)
				return
			}
			got := strings.TrimSpace(ah[len("Bearer "):])
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, types.APIResponse{
		Success: false,
		Error:   &types.APIError{Code: string(appErr.CodeUnauthorized), Message: "missing or invalid api token"},
	})
}
