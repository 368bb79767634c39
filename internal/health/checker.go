// Package health implements the health monitor (spec §4.7, C7): periodic
// probes of the queue backing store and persistence connection, rolling
// execution counters, and threshold-based alerting.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cronkit/scheduler/internal/email"
	"github.com/prometheus/client_golang/prometheus"
)

// Pinger is satisfied by *pgxpool.Pool and queue.RedisQueue.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueDepther reports the number of pending tokens (spec §4.7).
type QueueDepther interface {
	Depth(ctx context.Context) (int64, error)
}

// CheckResult represents the health of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Metrics is the rolling window the monitor reports alongside checks
// (spec §4.7: "queue depth, rolling failure rate, mean execution time").
type Metrics struct {
	QueueDepth        int64         `json:"queueDepth"`
	FailureRate       float64       `json:"failureRate"`
	MeanExecutionTime time.Duration `json:"meanExecutionTimeNs"`
	WorkerMemoryBytes uint64        `json:"workerMemoryBytes"`
}

// HealthResult is the top-level structured health document.
type HealthResult struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Metrics   Metrics                `json:"metrics"`
	Timestamp time.Time              `json:"timestamp"`
}

// Thresholds configures when Readiness flips unhealthy and an alert fires
// (spec §4.8 monitoring group).
type Thresholds struct {
	MaxQueueDepth      int64
	MaxFailureRate     float64
	MaxMeanExecution   time.Duration
	AlertCooldown      time.Duration
	AlertRecipient     string
}

func defaultThresholds() Thresholds {
	return Thresholds{
		MaxQueueDepth:    10000,
		MaxFailureRate:   0.5,
		MaxMeanExecution: 60 * time.Second,
		AlertCooldown:    15 * time.Minute,
	}
}

// outcomeWindow is a fixed-capacity ring of recent fire outcomes, used to
// compute the rolling failure rate and mean execution time.
type outcomeWindow struct {
	mu        sync.Mutex
	successes []bool
	durations []time.Duration
	capacity  int
}

func newOutcomeWindow(capacity int) *outcomeWindow {
	if capacity <= 0 {
		capacity = 200
	}
	return &outcomeWindow{capacity: capacity}
}

func (w *outcomeWindow) Record(success bool, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.successes = append(w.successes, success)
	w.durations = append(w.durations, d)
	if len(w.successes) > w.capacity {
		w.successes = w.successes[len(w.successes)-w.capacity:]
		w.durations = w.durations[len(w.durations)-w.capacity:]
	}
}

func (w *outcomeWindow) Snapshot() (failureRate float64, mean time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.successes) == 0 {
		return 0, 0
	}
	failures := 0
	var total time.Duration
	for i, ok := range w.successes {
		if !ok {
			failures++
		}
		total += w.durations[i]
	}
	return float64(failures) / float64(len(w.successes)), total / time.Duration(len(w.successes))
}

// Checker verifies that all dependencies are reachable and tracks the
// rolling execution counters the worker pipeline reports.
type Checker struct {
	db     Pinger
	queue  QueueDepther
	queuePinger Pinger
	alerts email.Sender
	logger *slog.Logger
	gauge  *prometheus.GaugeVec

	thresholds Thresholds
	window     *outcomeWindow

	mu         sync.Mutex
	lastAlerts map[string]time.Time
}

// NewChecker creates a health checker and registers its Prometheus gauge.
func NewChecker(db Pinger, queue QueueDepther, queuePinger Pinger, alerts email.Sender, logger *slog.Logger, reg prometheus.Registerer, thresholds Thresholds) *Checker {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "health_check_up",
		Help:      "Whether a dependency is reachable. 1 = up, 0 = down.",
	}, []string{"dependency"})
	reg.MustRegister(gauge)

	if thresholds.MaxQueueDepth == 0 && thresholds.MaxFailureRate == 0 {
		thresholds = defaultThresholds()
	}

	return &Checker{
		db:          db,
		queue:       queue,
		queuePinger: queuePinger,
		alerts:      alerts,
		logger:      logger.With("component", "health"),
		gauge:       gauge,
		thresholds:  thresholds,
		window:      newOutcomeWindow(200),
		lastAlerts:  make(map[string]time.Time),
	}
}

// RecordExecution feeds one worker-pipeline outcome into the rolling
// failure-rate/mean-duration window (spec §4.7).
func (c *Checker) RecordExecution(success bool, duration time.Duration) {
	c.window.Record(success, duration)
}

// Liveness returns a simple "up" response if the process is running.
func (c *Checker) Liveness(_ context.Context) HealthResult {
	return HealthResult{Status: "up", Timestamp: time.Now().UTC()}
}

// Readiness pings every dependency, computes rolling metrics, and fires
// alerts when a threshold is crossed (spec §4.7).
func (c *Checker) Readiness(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result := HealthResult{
		Status:    "up",
		Checks:    make(map[string]CheckResult),
		Timestamp: time.Now().UTC(),
	}

	c.probe(checkCtx, &result, "postgres", c.db.Ping)
	c.probe(checkCtx, &result, "queue", c.queuePinger.Ping)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	depth, err := c.queue.Depth(checkCtx)
	if err != nil {
		c.logger.Warn("queue depth probe failed", "error", err)
	}
	failureRate, mean := c.window.Snapshot()

	result.Metrics = Metrics{
		QueueDepth:        depth,
		FailureRate:       failureRate,
		MeanExecutionTime: mean,
		WorkerMemoryBytes: memStats.Alloc,
	}

	c.evaluateThresholds(ctx, &result)
	return result
}

func (c *Checker) probe(ctx context.Context, result *HealthResult, name string, ping func(context.Context) error) {
	if err := ping(ctx); err != nil {
		c.logger.Warn(name+" health check failed", "error", err)
		result.Status = "down"
		result.Checks[name] = CheckResult{Status: "down", Error: err.Error()}
		c.gauge.WithLabelValues(name).Set(0)
		return
	}
	result.Checks[name] = CheckResult{Status: "up"}
	c.gauge.WithLabelValues(name).Set(1)
}

func (c *Checker) evaluateThresholds(ctx context.Context, result *HealthResult) {
	if result.Metrics.QueueDepth > c.thresholds.MaxQueueDepth {
		result.Status = "unhealthy"
		c.alert(ctx, "queue depth threshold breached", fmt.Sprintf("queue depth %d exceeds threshold %d", result.Metrics.QueueDepth, c.thresholds.MaxQueueDepth))
	}
	if result.Metrics.FailureRate > c.thresholds.MaxFailureRate {
		result.Status = "unhealthy"
		c.alert(ctx, "failure rate threshold breached", fmt.Sprintf("failure rate %.2f exceeds threshold %.2f", result.Metrics.FailureRate, c.thresholds.MaxFailureRate))
	}
	if c.thresholds.MaxMeanExecution > 0 && result.Metrics.MeanExecutionTime > c.thresholds.MaxMeanExecution {
		result.Status = "unhealthy"
		c.alert(ctx, "mean execution time threshold breached", fmt.Sprintf("mean execution time %s exceeds threshold %s", result.Metrics.MeanExecutionTime, c.thresholds.MaxMeanExecution))
	}
}

// alert sends an email, rate-limited per subject by AlertCooldown so a
// sustained breach doesn't spam the recipient on every probe tick.
func (c *Checker) alert(ctx context.Context, subject, body string) {
	if c.alerts == nil || c.thresholds.AlertRecipient == "" {
		return
	}
	c.mu.Lock()
	last, seen := c.lastAlerts[subject]
	cooldown := c.thresholds.AlertCooldown
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	if seen && time.Since(last) < cooldown {
		c.mu.Unlock()
		return
	}
	c.lastAlerts[subject] = time.Now()
	c.mu.Unlock()

	if err := c.alerts.Send(ctx, c.thresholds.AlertRecipient, "[scheduler] "+subject, body); err != nil {
		c.logger.Error("failed to send health alert", "error", err)
	}
}

// Start runs Readiness on a fixed interval until ctx is canceled, logging
// each transition to or from "unhealthy"/"down" (spec §4.7 default interval 60s).
// HTTP callers still get on-demand checks via Liveness/Readiness directly;
// this loop exists so a breach is alerted even when nothing is polling
// /readyz.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasHealthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := c.Readiness(ctx)
			healthy := result.Status != "unhealthy" && result.Status != "down"
			if healthy != wasHealthy {
				if healthy {
					c.logger.Info("health check recovered", "status", result.Status)
				} else {
					c.logger.Warn("health check degraded", "status", result.Status)
				}
				wasHealthy = healthy
			}
		}
	}
}
