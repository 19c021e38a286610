// Package metrics owns every prometheus collector in the service.
// Engine packages never import prometheus; they report through small
// callbacks that this package implements.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/siftdata/sift/engine/pkg/correction"
	"github.com/siftdata/sift/engine/pkg/queryerr"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sift_api_build_info",
			Help: "Build information of the sift API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_pipeline_runs_total",
			Help: "Pipeline runs by terminal outcome (ok or error kind)",
		},
		[]string{"outcome"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"outcome"},
	)

	PipelineAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_pipeline_attempts",
			Help:    "Generation attempts consumed per pipeline run",
			Buckets: prometheus.LinearBuckets(1, 1, 5),
		},
	)

	ValidationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_validation_rejections_total",
			Help: "SQL candidates rejected by the validator, by layer",
		},
		[]string{"layer"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_execution_duration_seconds",
			Help:    "Duration of successful query executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_llm_requests_total",
			Help: "LLM API calls by operation and status",
		},
		[]string{"op", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_llm_request_duration_seconds",
			Help:    "Duration of LLM API calls in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"op"},
	)

	TrainingRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sift_training_runs_total",
			Help: "Completed training runs",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// PipelineObserver implements the coordinator's outcome callback.
type PipelineObserver struct{}

func (PipelineObserver) PipelineCompleted(outcome string, attempts int, elapsed time.Duration) {
	PipelineRunsTotal.WithLabelValues(outcome).Inc()
	PipelineDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	PipelineAttempts.Observe(float64(attempts))
}

// ObserveLLM matches the llm client's Observe callback signature.
func ObserveLLM(op string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LLMRequestsTotal.WithLabelValues(op, status).Inc()
	LLMRequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordTrail mines an attempt trail for per-attempt signals: validator
// rejections by layer and the winning execution's duration.
func RecordTrail(attempts []correction.Attempt) {
	for _, a := range attempts {
		switch a.Kind {
		case queryerr.KindValidationRejected:
			ValidationRejections.WithLabelValues(string(a.Layer)).Inc()
		case "":
			// The successful attempt carries no error kind.
			ExecutionDuration.Observe(a.Elapsed.Seconds())
		}
	}
}
