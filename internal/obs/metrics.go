package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
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
)

// Issuance metrics.
var (
	issuanceOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiongen_issuance_outcomes_total",
			Help: "Terminal issuance outcomes by kind.",
		},
		[]string{"outcome"},
	)

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessiongen_active_sessions",
		Help: "Issuance sessions currently awaiting a phone or code.",
	})

	remoteCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessiongen_remote_call_duration_seconds",
			Help:    "Latency of remote-account gateway calls.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "status"},
	)

	authorizationDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiongen_authorization_denials_total",
			Help: "Requests rejected by the authorization gate.",
		},
		[]string{"operation"},
	)

	transportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiongen_transport_errors_total",
		Help: "Outbound replies the chat transport failed to accept.",
	})

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessiongen_ready",
		Help: "1 when the last readiness check passed.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			issuanceOutcomes, activeSessions, remoteCallDuration,
			authorizationDenials, transportErrors, serviceReady,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome counts one terminal issuance outcome.
func ObserveOutcome(outcome string) {
	issuanceOutcomes.WithLabelValues(outcome).Inc()
}

// SetActiveSessions publishes the number of live issuance sessions.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// ObserveRemoteCall records one gateway round trip.
func ObserveRemoteCall(method string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	remoteCallDuration.WithLabelValues(method, status).Observe(d.Seconds())
}

// CountDenial counts one authorization rejection for the named operation.
func CountDenial(operation string) {
	authorizationDenials.WithLabelValues(operation).Inc()
}

// CountTransportError counts one failed outbound delivery.
func CountTransportError() {
	transportErrors.Inc()
}

// SetReady publishes the outcome of the last readiness check.
func SetReady(ok bool) {
	if ok {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

// CanonicalPath collapses requester ids so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	const prefix = "/v1/requesters/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if len(parts) != 2 || parts[0] == "" {
		return path
	}
	switch parts[1] {
	case "messages", "stream":
		return prefix + ":id/" + parts[1]
	}
	return path
}

// Обёртка для измерения RPS/latency/в полёте.
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

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
