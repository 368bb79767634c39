package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cronkit/scheduler/internal/metrics"
	"github.com/cronkit/scheduler/internal/queue"
	"github.com/cronkit/scheduler/internal/ratelimiter"
)

// Reaper performs periodic housekeeping that doesn't belong on the hot
// fire path: garbage-collecting idle rate-limiter trackers and draining
// the queue's advisory event stream for observability (spec §4.2 GC note,
// §4.4 "advisory events must never be the sole source of truth" — so all
// the reaper does with them here is log, counters live in metrics).
type Reaper struct {
	limiter  *ratelimiter.Limiter
	queue    queue.Queue
	logger   *slog.Logger
	interval time.Duration
}

func NewReaper(limiter *ratelimiter.Limiter, q queue.Queue, logger *slog.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reaper{
		limiter:  limiter,
		queue:    q,
		logger:   logger.With("component", "reaper"),
		interval: interval,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shut down")
			return
		case <-ticker.C:
			r.gc()
		case ev := <-r.queue.Events():
			r.observe(ev)
		}
	}
}

func (r *Reaper) gc() {
	start := time.Now()
	defer func() { metrics.ReaperCycleDuration.Observe(time.Since(start).Seconds()) }()

	removed := r.limiter.GC(time.Now())
	if removed > 0 {
		r.logger.Info("reaper evicted idle rate-limit trackers", "count", removed, "remaining", r.limiter.TrackedHosts())
	}
}

func (r *Reaper) observe(ev queue.Event) {
	switch ev.Kind {
	case queue.EventStalled:
		metrics.ReaperRescuedTotal.WithLabelValues("stalled").Inc()
		r.logger.Warn("queue reported stalled job", "job_uuid", ev.JobUUID, "at", ev.At)
	case queue.EventFailed:
		metrics.ReaperRescuedTotal.WithLabelValues("failed").Inc()
		r.logger.Info("queue reported failed fire", "job_uuid", ev.JobUUID, "at", ev.At)
	case queue.EventCompleted:
		r.logger.Debug("queue reported completed fire", "job_uuid", ev.JobUUID, "at", ev.At)
	}
}
