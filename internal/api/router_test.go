package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/storycraft/deploy/internal/api/handlers"
	"github.com/storycraft/deploy/internal/metrics"
	"github.com/storycraft/deploy/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	metrics.Register()
	os.Exit(m.Run())
}

func testRouter() http.Handler {
	return NewRouter(Dependencies{
		APIToken:           "token",
		DeploymentsHandler: handlers.NewDeploymentsHandler(nil),
		StackHandler:       handlers.NewStackHandler("p/s", nil),
	})
}

func TestPublicEndpoints(t *testing.T) {
	h := testRouter()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	h := testRouter()
	for _, path := range []string{"/api/v1/stack", "/api/v1/deployments/"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
}
