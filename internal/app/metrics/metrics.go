package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "ownership",
			Name:      "transitions_total",
			Help:      "Committed holder transitions by kind.",
		},
		[]string{"kind"},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "ownership",
			Name:      "version_conflicts_total",
			Help:      "Optimistic-concurrency conflicts seen by an operation, including retried ones.",
		},
		[]string{"op"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "ownership",
			Name:      "rejections_total",
			Help:      "Business rejections by operation and error code.",
		},
		[]string{"op", "code"},
	)

	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crm",
			Subsystem: "ownership",
			Name:      "batch_size",
			Help:      "Distinct customer ids per batch request.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9), // 1 to 256
		},
		[]string{"op"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "pool",
			Name:      "sweep_runs_total",
			Help:      "Eviction sweep runs by outcome.",
		},
		[]string{"result"},
	)

	sweepEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crm",
			Subsystem: "pool",
			Name:      "evicted_total",
			Help:      "Customers moved to the public pool by the eviction sweep.",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crm",
			Subsystem: "pool",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of eviction sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		transitions,
		conflicts,
		rejections,
		batchSize,
		sweepRuns,
		sweepEvicted,
		sweepDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordTransition counts a committed holder change.
func RecordTransition(kind string) {
	transitions.WithLabelValues(kind).Inc()
}

// RecordConflict counts a version conflict hit by op.
func RecordConflict(op string) {
	conflicts.WithLabelValues(op).Inc()
}

// RecordRejection counts a business rejection.
func RecordRejection(op, code string) {
	if code == "" {
		code = "unknown"
	}
	rejections.WithLabelValues(op, code).Inc()
}

// RecordBatch observes the number of distinct ids in a batch.
func RecordBatch(op string, size int) {
	batchSize.WithLabelValues(op).Observe(float64(size))
}

// RecordSweep records one eviction sweep.
func RecordSweep(evicted int, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "success"
	if !success {
		result = "failure"
	}
	sweepRuns.WithLabelValues(result).Inc()
	sweepEvicted.Add(float64(evicted))
	sweepDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath folds customer ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "customers" || len(parts) == 1 {
		return "/" + parts[0]
	}
	switch parts[1] {
	case "public-pool", "batch-assign", "batch-release-to-pool", "my-customer-count", "holdings":
		return "/" + strings.Join(parts, "/")
	}
	parts[1] = ":id"
	return "/" + strings.Join(parts, "/")
}
