package http

import (
	"strconv"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spriteforge.dev/internal/protocol"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Job metrics
	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of finished jobs by terminal status",
		},
		[]string{"status"},
	)

	jobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_queued",
			Help: "Number of jobs waiting to run",
		},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently executing",
		},
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	previewUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preview_updates_total",
			Help: "Total number of preview images announced",
		},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		// Wrap ResponseWriter to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsPublisher folds broadcast updates into Prometheus series. It sits in
// the same fan-out as the wire and websocket publishers.
type MetricsPublisher struct{}

func (MetricsPublisher) Publish(u protocol.Update) {
	switch ev := u.(type) {
	case *protocol.JobFinished:
		jobsFinishedTotal.WithLabelValues(string(ev.Status)).Inc()
		jobDuration.Observe(ev.DurationS)
	case *protocol.Preview:
		previewUpdatesTotal.Inc()
	}
}

// SetQueueGauges records the scheduler's current counts.
func SetQueueGauges(queued, running int) {
	jobsQueued.Set(float64(queued))
	jobsRunning.Set(float64(running))
}
