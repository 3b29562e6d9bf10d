package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	engineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storycraft",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Engine runs by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
	engineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storycraft",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Engine run duration in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"action", "outcome"},
	)
	imagePushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storycraft",
			Subsystem: "image",
			Name:      "pushes_total",
			Help:      "Image build and push attempts.",
		},
		[]string{"outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storycraft",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storycraft",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(engineRuns, engineDuration, imagePushes, httpRequests, httpDuration)
	})
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordEngineRun counts one plan, apply or destroy.
func RecordEngineRun(action string, duration time.Duration, err error) {
	Register()
	o := outcome(err)
	engineRuns.WithLabelValues(action, o).Inc()
	engineDuration.WithLabelValues(action, o).Observe(duration.Seconds())
}

func RecordImagePush(err error) {
	Register()
	imagePushes.WithLabelValues(outcome(err)).Inc()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
