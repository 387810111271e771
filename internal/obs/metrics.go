package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_evaluations_total",
			Help: "Permission evaluations by decision.",
		},
		[]string{"decision"},
	)

	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authz_evaluation_duration_seconds",
		Help:    "Permission evaluation latencies in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	assignmentsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_assignments_expired_total",
		Help: "Assignments transitioned to expired by the sweep.",
	})

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events published to the bus.",
		},
		[]string{"action"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service accepts traffic.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		evaluationsTotal, evaluationDuration,
		assignmentsExpired, eventsPublished, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEvaluation records one permission evaluation.
func ObserveEvaluation(allowed bool, seconds float64) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	evaluationsTotal.WithLabelValues(decision).Inc()
	evaluationDuration.Observe(seconds)
}

// AssignmentsExpired records assignments swept to expired.
func AssignmentsExpired(n int) {
	assignmentsExpired.Add(float64(n))
}

// EventPublished records one event handed to the bus.
func EventPublished(action string) {
	eventsPublished.WithLabelValues(action).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// collections whose following path segment is a record identifier.
var idParents = map[string]bool{
	"tenants":     true,
	"roles":       true,
	"policies":    true,
	"assignments": true,
	"users":       true,
	"key":         true,
}

// CanonicalPath collapses record identifiers so metric label cardinality
// stays bounded: /v1/tenants/t1/roles/01ABC -> /v1/tenants/:id/roles/:id.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(p, "/")
	for i := 1; i < len(parts); i++ {
		if idParents[parts[i-1]] && parts[i] != "" && !idParents[parts[i]] {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
