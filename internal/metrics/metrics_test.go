package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordEngineRun(t *testing.T) {
	before := testutil.ToFloat64(engineRuns.WithLabelValues("apply", "failure"))
	RecordEngineRun("apply", time.Second, errors.New("boom"))
	RecordEngineRun("apply", time.Second, nil)
	assert.Equal(t, before+1, testutil.ToFloat64(engineRuns.WithLabelValues("apply", "failure")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(engineRuns.WithLabelValues("apply", "success")), 1.0)
}

func TestRecordHTTPRequest(t *testing.T) {
	RecordHTTPRequest("GET", "/healthz", 200, 3*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/healthz", "200")))
}

func TestRecordImagePush(t *testing.T) {
	RecordImagePush(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(imagePushes.WithLabelValues("success")))
}
