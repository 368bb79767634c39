package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cronkit/scheduler/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from job creation to worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of job HTTP execution.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"status"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "worker_jobs_in_flight",
		Help:      "Number of jobs currently being executed by the worker.",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finished, by outcome.",
	}, []string{"outcome"})

	// Reaper metrics

	ReaperRescuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "reaper_rescued_total",
		Help:      "Total stale jobs handled by the reaper.",
	}, []string{"action"})

	ReaperCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "reaper_cycle_duration_seconds",
		Help:      "Time taken for one reaper cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	// Worker lifecycle

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when the worker started.",
	})

	WorkerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "worker_shutdowns_total",
		Help:      "Number of times the worker has shut down.",
	})

	// Queue adapter metrics

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of pending tokens in the delayed queue.",
	})

	QueueOfflineFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "queue_offline_fallbacks_total",
		Help:      "Number of times the queue adapter fell back to its offline local queue.",
	})

	// Rate limiter metrics

	RateLimitDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "rate_limit_denied_total",
		Help:      "Total fires denied by the rate limiter gate, by host.",
	}, []string{"host"})

	RateLimitTrackedHosts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "rate_limit_tracked_hosts",
		Help:      "Number of hosts with an active rate-limit tracker.",
	})

	// Response processor metrics

	ResponseCompressionRatio = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "response_compression_ratio",
		Help:      "compressedSize/originalSize for compressed responses.",
		Buckets:   []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
	})

	ResponseTruncatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "response_truncated_total",
		Help:      "Total responses truncated before persistence.",
	})

	ResponseExternalizedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "response_externalized_total",
		Help:      "Total responses handed off to external storage.",
	})

	// Job state machine metrics

	JobStateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "job_state_transitions_total",
		Help:      "Total job state transitions, by from/to state.",
	}, []string{"from", "to"})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobExecutionDuration,
		JobsInFlight,
		JobsCompletedTotal,
		ReaperRescuedTotal,
		ReaperCycleDuration,
		WorkerStartTime,
		WorkerShutdownsTotal,
		QueueDepth,
		QueueOfflineFallbacksTotal,
		RateLimitDeniedTotal,
		RateLimitTrackedHosts,
		ResponseCompressionRatio,
		ResponseTruncatedTotal,
		ResponseExternalizedTotal,
		JobStateTransitionsTotal,
	)
}

// NewServer builds the process's metrics/health HTTP surface: Prometheus
// scrape target plus liveness/readiness probes for the orchestrator.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler(checker.Liveness))
	mux.HandleFunc("/readyz", healthHandler(checker.Readiness))
	return &http.Server{Addr: addr, Handler: mux}
}

func healthHandler(probe func(context.Context) health.HealthResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := probe(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if result.Status != "up" && result.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	}
}
