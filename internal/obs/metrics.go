package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service accepts check-ins.",
	})
)

// Метрики проверки посещаемости
var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_submissions_total",
			Help: "Check-in submissions that produced a record, by status.",
		},
		[]string{"status"},
	)

	submissionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_submission_failures_total",
			Help: "Check-in submissions that produced no record, by reason.",
		},
		[]string{"reason"},
	)

	flagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_flags_total",
			Help: "Verification flags raised, by rule.",
		},
		[]string{"rule"},
	)

	faceConfidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_face_match_confidence",
		Help:    "Face match confidence of stored check-ins.",
		Buckets: []float64{50, 70, 80, 85, 90, 95, 98, 100},
	})

	distanceFromTask = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_distance_from_task_meters",
		Help:    "Distance between device and task site for stored check-ins.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 5000},
	})
)

var (
	initOnce sync.Once
	ready    atomic.Bool
)

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			submissionsTotal, submissionFailures, flagsTotal, faceConfidence, distanceFromTask,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness flag reported by /readyz and gRPC health.
func SetReady(v bool) {
	ready.Store(v)
	if v {
		readyGauge.Set(1)
	} else {
		readyGauge.Set(0)
	}
}

// Ready reports the last value passed to SetReady.
func Ready() bool { return ready.Load() }

// ObserveDecision records one stored check-in.
func ObserveDecision(status string, rules []string, confidence float64, distance *float64) {
	submissionsTotal.WithLabelValues(status).Inc()
	for _, rule := range rules {
		flagsTotal.WithLabelValues(rule).Inc()
	}
	faceConfidence.Observe(confidence)
	if distance != nil {
		distanceFromTask.Observe(*distance)
	}
}

// ObserveSubmissionFailure records a check-in that produced no record.
func ObserveSubmissionFailure(reason string) {
	submissionFailures.WithLabelValues(reason).Inc()
}

// CanonicalPath collapses record ids so the path label stays low-cardinality.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	for _, prefix := range []string{"/v1/attendance-records/", "/attendance-records/"} {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || rest == "" {
			continue
		}
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 1:
			return prefix + ":id"
		case len(parts) == 2 && parts[1] == "review":
			return prefix + ":id/review"
		}
	}
	return p
}

// Instrument wraps next with in-flight, count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
