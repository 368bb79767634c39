package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// ExecutionPruner deletes execution audit records past their retention
// window. Implemented by *postgres.ExecutionRepository.
type ExecutionPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor enforces the DATABASE_EXECUTION_RETENTION TTL by periodically
// deleting executions older than retention, on a DATABASE_CLEANUP_INTERVAL
// cadence (spec §3/§6). It runs the same ticker-loop shape as Reaper.
type Janitor struct {
	executions ExecutionPruner
	logger     *slog.Logger
	interval   time.Duration
	retention  time.Duration
}

func NewJanitor(executions ExecutionPruner, logger *slog.Logger, interval, retention time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		executions: executions,
		logger:     logger.With("component", "janitor"),
		interval:   interval,
		retention:  retention,
	}
}

func (j *Janitor) Start(ctx context.Context) {
	if j.retention <= 0 {
		j.logger.Info("janitor disabled, retention is zero")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("janitor started", "interval", j.interval, "retention", j.retention)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor shut down")
			return
		case <-ticker.C:
			j.prune(ctx)
		}
	}
}

func (j *Janitor) prune(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	removed, err := j.executions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("prune expired executions", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("janitor pruned expired executions", "count", removed, "cutoff", cutoff)
	}
}
