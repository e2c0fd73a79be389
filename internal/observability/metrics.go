package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	workersSpawned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "pool",
			Name:      "workers_spawned_total",
			Help:      "Worker processes spawned.",
		},
		[]string{"keep_alive"},
	)
	workersReused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "pool",
			Name:      "workers_reused_total",
			Help:      "Submissions served by an already-warm worker.",
		},
	)
	workersExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "pool",
			Name:      "workers_expired_total",
			Help:      "Workers stopped by the expiration monitor.",
		},
		[]string{"reason"},
	)
	workerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "pool",
			Name:      "worker_failures_total",
			Help:      "Invocations that broke a worker channel.",
		},
	)
	workersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forged",
			Subsystem: "pool",
			Name:      "workers_live",
			Help:      "Worker handles currently in the live set.",
		},
	)
	submitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forged",
			Subsystem: "pool",
			Name:      "submit_duration_seconds",
			Help:      "End-to-end submission duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests against the status surface.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forged",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			workersSpawned, workersReused, workersExpired, workerFailures,
			workersLive, submitDuration, httpRequests, httpDuration,
		)
	})
}

func RecordSpawn(keepAlive string) {
	workersSpawned.WithLabelValues(keepAlive).Inc()
}

func RecordReuse() {
	workersReused.Inc()
}

func RecordExpired(reason string) {
	workersExpired.WithLabelValues(reason).Inc()
}

func RecordWorkerFailure() {
	workerFailures.Inc()
}

func SetLiveWorkers(n int) {
	workersLive.Set(float64(n))
}

func ObserveSubmit(outcome string, duration time.Duration) {
	submitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, code).Inc()
	httpDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}
