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

// HTTP metrics.
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

// Saga metrics.
var (
	sagaRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_runs_total",
			Help: "Saga invocations by outcome.",
		},
		[]string{"saga", "outcome"},
	)

	sagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "saga_step_duration_seconds",
			Help: "Duration of individual saga steps.",
			// Ledger and AI calls routinely take seconds.
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"saga", "step"},
	)

	sagaStepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_failures_total",
			Help: "Failed saga steps.",
		},
		[]string{"saga", "step"},
	)

	decommissionItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decommission_items_total",
			Help: "Decommissioned tokens by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	aiDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_degraded_total",
			Help: "AI calls that failed and were degraded gracefully.",
		},
		[]string{"operation"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			sagaRunsTotal, sagaStepDuration, sagaStepFailures,
			decommissionItems, aiDegraded,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSagaRun counts a finished saga invocation.
func ObserveSagaRun(saga, outcome string) {
	sagaRunsTotal.WithLabelValues(saga, outcome).Inc()
}

// ObserveSagaStep records the duration of a saga step and counts failures.
func ObserveSagaStep(saga, step string, d time.Duration, err error) {
	sagaStepDuration.WithLabelValues(saga, step).Observe(d.Seconds())
	if err != nil {
		sagaStepFailures.WithLabelValues(saga, step).Inc()
	}
}

// ObserveDecommissionItem counts one processed token.
func ObserveDecommissionItem(mode string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	decommissionItems.WithLabelValues(mode, outcome).Inc()
}

// ObserveAIDegraded counts an AI failure that was absorbed.
func ObserveAIDegraded(operation string) {
	aiDegraded.WithLabelValues(operation).Inc()
}

// Instrument measures RPS, latency and in-flight requests.
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

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" {
		switch parts[1] {
		case "registrations", "purchases", "balances", "retirements":
			return "/v1/" + parts[1] + "/:id"
		}
	}
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "registrations" && parts[3] == "quote" {
		return "/v1/registrations/:id/quote"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
