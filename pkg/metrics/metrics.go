package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ace",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ace",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.56s
		},
		[]string{"method", "path"},
	)

	dispatchCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "dispatcher",
			Name:      "cycles_total",
			Help:      "Total dispatch cycles run, grouped by outcome.",
		},
		[]string{"outcome"}, // queued|cache_hit|deduped|blocked|skipped
	)

	dispatchCASRetries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ace",
			Subsystem: "dispatcher",
			Name:      "cas_retries",
			Help:      "Number of compare-and-swap retries a dispatch cycle needed.",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		},
		[]string{"operation"}, // submit_root|submit_result
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ace",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of analysis requests queued per module type.",
		},
		[]string{"amt"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups, grouped by hit or miss.",
		},
		[]string{"amt", "result"}, // hit|miss
	)

	workerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "worker",
			Name:      "executions_total",
			Help:      "Total module executions run by worker pools.",
		},
		[]string{"amt", "status"}, // success|error|timeout|panic
	)

	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ace",
			Subsystem: "worker",
			Name:      "execution_duration_seconds",
			Help:      "Duration of module executions run by worker pools.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"amt"},
	)

	circuitBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ace",
			Subsystem: "worker",
			Name:      "circuit_breaker_trips_total",
			Help:      "Number of times a module's circuit breaker opened.",
		},
		[]string{"amt"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		dispatchCycles,
		dispatchCASRetries,
		queueDepth,
		cacheLookups,
		workerExecutions,
		workerDuration,
		circuitBreakerTrips,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
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

// RecordDispatchCycle records the outcome of one dispatcher compare-and-swap
// cycle (root submission or result submission).
func RecordDispatchCycle(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	dispatchCycles.WithLabelValues(outcome).Inc()
}

// RecordCASRetries records how many CAS retries a dispatch operation needed
// before it either committed or gave up.
func RecordCASRetries(operation string, retries int) {
	if operation == "" {
		operation = "unknown"
	}
	if retries < 0 {
		retries = 0
	}
	dispatchCASRetries.WithLabelValues(operation).Observe(float64(retries))
}

// SetQueueDepth publishes the current backlog size for an analysis module
// type's queue.
func SetQueueDepth(amtName string, depth int) {
	if amtName == "" {
		amtName = "unknown"
	}
	queueDepth.WithLabelValues(amtName).Set(float64(depth))
}

// RecordCacheLookup records a result cache hit or miss for a module type.
func RecordCacheLookup(amtName string, hit bool) {
	if amtName == "" {
		amtName = "unknown"
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(amtName, result).Inc()
}

// RecordWorkerExecution records the outcome and duration of one module
// execution performed by a worker pool.
func RecordWorkerExecution(amtName, status string, duration time.Duration) {
	if amtName == "" {
		amtName = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	if duration < 0 {
		duration = 0
	}
	workerExecutions.WithLabelValues(amtName, status).Inc()
	workerDuration.WithLabelValues(amtName).Observe(duration.Seconds())
}

// RecordCircuitBreakerTrip records a module's circuit breaker opening.
func RecordCircuitBreakerTrip(amtName string) {
	if amtName == "" {
		amtName = "unknown"
	}
	circuitBreakerTrips.WithLabelValues(amtName).Inc()
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

// canonicalPath collapses path parameters so high-cardinality values (AR
// IDs, root UUIDs) don't blow up the requests_total label set.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "roots", "requests":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		return "/" + parts[0] + "/:id"
	default:
		return "/" + parts[0]
	}
}
