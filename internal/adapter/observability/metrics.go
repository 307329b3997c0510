package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued onto provider streams",
		},
		[]string{"family"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"family"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"family"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed by failure code",
		},
		[]string{"family", "code"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages written to the dead-letter stream",
		},
		[]string{"family"},
	)
	RecoveredMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovered_messages_total",
			Help: "Pending entries handled during startup recovery",
		},
		[]string{"family", "outcome"},
	)

	NodeAcquireAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_acquire_attempts_total",
			Help: "Node CAS reservation attempts by outcome",
		},
		[]string{"family", "outcome"},
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Backend chat completion duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"family"},
	)

	// Context rebuild size distribution; estimated, not billed tokens.
	ContextTokensEstimated = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "context_tokens_estimated",
			Help:    "Estimated token count of rebuilt conversation contexts",
			Buckets: []float64{16, 64, 256, 1024, 4096, 16384, 65536},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(RecoveredMessagesTotal)
	prometheus.MustRegister(NodeAcquireAttemptsTotal)
	prometheus.MustRegister(BackendRequestDuration)
	prometheus.MustRegister(ContextTokensEstimated)
	prometheus.MustRegister(BackendLatencyDrift)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask(family string) {
	TasksEnqueuedTotal.WithLabelValues(family).Inc()
}

func StartProcessingTask(family string) {
	TasksProcessing.WithLabelValues(family).Inc()
}

// EndProcessingTask is the paired decrement for StartProcessingTask and
// must run on every exit path, terminal or not.
func EndProcessingTask(family string) {
	TasksProcessing.WithLabelValues(family).Dec()
}

func CompleteTask(family string) {
	TasksCompletedTotal.WithLabelValues(family).Inc()
}

func FailTask(family, code string) {
	TasksFailedTotal.WithLabelValues(family, code).Inc()
}

func RecordDLQ(family string) {
	DLQMessagesTotal.WithLabelValues(family).Inc()
}

// RecordRecovery counts one pending entry handled at startup; outcome is
// "replayed" or "expired".
func RecordRecovery(family, outcome string) {
	RecoveredMessagesTotal.WithLabelValues(family, outcome).Inc()
}

// RecordNodeAcquire counts one CAS attempt; outcome is "acquired",
// "contended" or "exhausted".
func RecordNodeAcquire(family, outcome string) {
	NodeAcquireAttemptsTotal.WithLabelValues(family, outcome).Inc()
}

func ObserveBackendRequest(family string, seconds float64) {
	BackendRequestDuration.WithLabelValues(family).Observe(seconds)
}

func ObserveContextTokens(tokens int) {
	if tokens > 0 {
		ContextTokensEstimated.Observe(float64(tokens))
	}
}
