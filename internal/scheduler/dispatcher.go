package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cronkit/scheduler/internal/metrics"
	"github.com/cronkit/scheduler/internal/queue"
)

// Dispatcher pulls due tokens off the queue and hands them to a bounded
// pool of worker goroutines (spec §4.4/§4.5: the queue is the sole
// coordination point between however many scheduler processes are
// running, so dispatch is just "claim, then fire").
type Dispatcher struct {
	queue       queue.Queue
	worker      *Worker
	logger      *slog.Logger
	concurrency int
}

func NewDispatcher(q queue.Queue, worker *Worker, logger *slog.Logger, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Dispatcher{
		queue:       q,
		worker:      worker,
		logger:      logger.With("component", "dispatcher"),
		concurrency: concurrency,
	}
}

// Start runs concurrency claim loops until ctx is canceled, blocking the
// caller. Each loop blocks on Claim, then fires the token inline — the
// bound on concurrency comes from running a fixed number of loops rather
// than an unbounded goroutine-per-token fan-out.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)
	metrics.WorkerStartTime.Set(float64(time.Now().Unix()))

	done := make(chan struct{}, d.concurrency)
	for i := 0; i < d.concurrency; i++ {
		go func(slot int) {
			defer func() { done <- struct{}{} }()
			d.claimLoop(ctx, slot)
		}(i)
	}

	for i := 0; i < d.concurrency; i++ {
		<-done
	}
	metrics.WorkerShutdownsTotal.Inc()
	d.logger.Info("dispatcher shut down")
}

func (d *Dispatcher) claimLoop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tok, err := d.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("claim failed", "slot", slot, "error", err)
			continue
		}
		if tok == nil {
			continue
		}

		d.logger.Info("dispatching claimed token", "slot", slot, "job_uuid", tok.JobUUID)
		d.worker.Fire(ctx, tok)
	}
}
