package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/jobmanager"
	"github.com/cronkit/scheduler/internal/metrics"
	"github.com/cronkit/scheduler/internal/queue"
	"github.com/cronkit/scheduler/internal/ratelimiter"
	"github.com/cronkit/scheduler/internal/repository"
	"github.com/cronkit/scheduler/internal/responseprocessor"
	"github.com/google/uuid"
)

// lockTTL and lockRenewInterval bound the overlap-prevention lock a
// worker holds for the duration of one fire (spec §4.5 step 2).
const (
	lockTTL           = 2 * time.Minute
	lockRenewInterval = 30 * time.Second
)

// OutcomeRecorder feeds completed fires into the health monitor's rolling
// failure-rate/mean-duration window (spec §4.7). Satisfied by
// *health.Checker; optional so Worker has no import-time dependency on
// the health package.
type OutcomeRecorder interface {
	RecordExecution(success bool, duration time.Duration)
}

// Worker runs the full fire pipeline for tokens claimed off the queue
// (spec §4.5): lock, resolve, gate, open, execute, observe, process,
// close, advance.
type Worker struct {
	id         string
	jobs       repository.JobRepository
	executions repository.ExecutionRepository
	manager    *jobmanager.Manager
	limiter    *ratelimiter.Limiter
	processor  *responseprocessor.Processor
	executor   *Executor
	lock       *queue.ExecutionLock
	queue      queue.Queue
	logger     *slog.Logger
	recorder   OutcomeRecorder

	responseCfg responseprocessor.Config
}

func NewWorker(
	id string,
	jobs repository.JobRepository,
	executions repository.ExecutionRepository,
	manager *jobmanager.Manager,
	limiter *ratelimiter.Limiter,
	processor *responseprocessor.Processor,
	executor *Executor,
	lock *queue.ExecutionLock,
	q queue.Queue,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		id:         id,
		jobs:       jobs,
		executions: executions,
		manager:    manager,
		limiter:    limiter,
		processor:  processor,
		executor:   executor,
		lock:       lock,
		queue:      q,
		logger:     logger.With("component", "worker", "worker_id", id),
	}
}

// WithRecorder attaches the health monitor's outcome recorder.
func (w *Worker) WithRecorder(r OutcomeRecorder) *Worker {
	w.recorder = r
	return w
}

// WithResponseDefaults sets the C8 response-handling defaults (compression
// algorithm/level/threshold); responseConfigFor layers the per-job knobs
// on top of these at fire time.
func (w *Worker) WithResponseDefaults(cfg responseprocessor.Config) *Worker {
	w.responseCfg = cfg
	return w
}

// Fire runs the pipeline for one claimed token. It never returns an error
// the caller needs to retry on — failures are recorded on the execution
// and job, not propagated, so the claim loop can move to the next token.
func (w *Worker) Fire(ctx context.Context, tok *queue.Token) {
	held, err := w.lock.RunWithRenewal(ctx, tok.JobUUID, lockTTL, lockRenewInterval, func(ctx context.Context) error {
		return w.fireLocked(ctx, tok)
	})
	if err != nil {
		w.logger.ErrorContext(ctx, "fire pipeline error", "job_uuid", tok.JobUUID, "error", err)
		return
	}
	if !held {
		w.logger.WarnContext(ctx, "skipped fire, lock already held elsewhere", "job_uuid", tok.JobUUID)
		w.queue.Emit(queueEventStalled, tok.JobUUID)
	}
}

func (w *Worker) fireLocked(ctx context.Context, tok *queue.Token) error {
	metrics.JobPickupLatency.Observe(time.Since(tok.DueAt).Seconds())

	job, err := w.resolveActiveJob(ctx, tok.JobUUID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil // job was deleted/paused between enqueue and claim; not an error
	}

	if !w.limiter.Allow(job.TargetAPI, job.RateLimit) {
		w.logger.InfoContext(ctx, "rate limit gate denied fire, re-queuing", "job_uuid", job.JobUUID)
		// The claimed occurrence is already due, so the retry is queued one
		// backoff bound later; the stored nextRunAt is left untouched.
		retry := *job
		delay := job.RateLimit.MaxBackoff
		if delay <= 0 {
			delay = time.Minute
		}
		retry.NextRunAt = time.Now().Add(delay)
		return w.queue.Schedule(ctx, &retry)
	}

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	exec := &domain.Execution{
		ExecutionUUID: uuid.NewString(),
		JobID:         job.ID,
		JobUUID:       job.JobUUID,
		OrgID:         job.OrgID,
		ScheduledFor:  tok.DueAt,
		ExecutedAt:    time.Now().UTC(),
		Request: domain.RequestSnapshot{
			Prompt:    job.Prompt,
			TargetAPI: job.TargetAPI,
			Headers:   job.Headers,
			Timeout:   30 * time.Second,
		},
		Status:   domain.ExecutionPending,
		Attempts: 1,
	}
	opened, err := w.executions.Open(ctx, exec)
	if err != nil {
		return fmt.Errorf("open execution: %w", err)
	}
	exec = opened

	result := w.executor.Run(ctx, job, exec)
	w.observeRateLimit(job, result)

	success := w.applyResult(ctx, job, exec, result)
	if exec.Duration != nil {
		metrics.JobExecutionDuration.WithLabelValues(string(exec.Status)).Observe(exec.Duration.Seconds())
		if w.recorder != nil {
			w.recorder.RecordExecution(success, *exec.Duration)
		}
	}

	if err := w.executions.Close(ctx, exec); err != nil {
		w.logger.ErrorContext(ctx, "close execution failed", "job_uuid", job.JobUUID, "error", err)
	}

	if err := w.manager.Advance(ctx, job, jobmanager.AdvanceOutcome{Success: success}); err != nil {
		return fmt.Errorf("advance job: %w", err)
	}

	if success {
		metrics.JobsCompletedTotal.WithLabelValues("success").Inc()
		w.queue.Emit(queueEventCompleted, job.JobUUID)
	} else {
		metrics.JobsCompletedTotal.WithLabelValues("failure").Inc()
		w.queue.Emit(queueEventFailed, job.JobUUID)
	}
	return nil
}

// resolveActiveJob re-reads the job at fire time; a job can be paused,
// deleted, or edited between enqueue and claim (spec §4.5 step 1).
func (w *Worker) resolveActiveJob(ctx context.Context, jobUUID string) (*domain.Job, error) {
	// The claimed token carries only a jobUUID, not the owning org, so
	// re-resolution at fire time goes through the unscoped lookup.
	job, err := w.jobs.GetByJobUUID(ctx, jobUUID)
	if err != nil {
		if err == domain.ErrJobNotFound {
			return nil, nil
		}
		return nil, err
	}
	if !job.IsActive() {
		return nil, nil
	}
	return job, nil
}

func (w *Worker) observeRateLimit(job *domain.Job, result CalloutResult) {
	if result.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfterHeader(result.Headers)
		w.limiter.Observe429(job.TargetAPI, retryAfter, nil, job.RateLimit.MaxBackoff)
		return
	}
	if result.Headers != nil {
		w.limiter.Observe(job.TargetAPI, result.Headers, job.RateLimit.MaxBackoff)
	}
}

// applyResult maps the callout outcome onto the execution record and
// reports whether the fire counts as a success (spec §4.5 step 5/8).
func (w *Worker) applyResult(ctx context.Context, job *domain.Job, exec *domain.Execution, result CalloutResult) bool {
	now := time.Now().UTC()
	exec.CompletedAt = &now
	d := result.Duration
	exec.Duration = &d

	if result.Err != nil {
		exec.Status = domain.ExecutionFailed
		exec.Error = &domain.ExecutionError{Message: result.Err.Error(), Retryable: true}
		return false
	}

	if result.StatusCode == http.StatusTooManyRequests {
		exec.Status = domain.ExecutionRateLimited
		exec.Error = &domain.ExecutionError{Message: "rate limited by target", Retryable: true}
		return false
	}

	processed, err := w.processor.Process(ctx, result.Body, w.responseConfigFor(job))
	if err != nil {
		exec.Status = domain.ExecutionFailed
		exec.Error = &domain.ExecutionError{Message: fmt.Sprintf("process response: %v", err), Retryable: false}
		return false
	}

	exec.Response = &domain.ResponseSnapshot{
		StatusCode:      result.StatusCode,
		Headers:         flattenHeaders(result.Headers),
		Data:            processed.Data,
		DataSize:        processed.OriginalSize,
		IsCompressed:    processed.IsCompressed,
		IsTruncated:     processed.IsTruncated || result.Truncated,
		StorageLocation: processed.StorageLocation,
	}

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		exec.Status = domain.ExecutionFailed
		exec.Error = &domain.ExecutionError{Message: fmt.Sprintf("unexpected status code: %d", result.StatusCode), Retryable: result.StatusCode >= 500}
		return false
	}

	exec.Status = domain.ExecutionSuccess
	return true
}

func (w *Worker) responseConfigFor(job *domain.Job) responseprocessor.Config {
	cfg := w.responseCfg
	cfg.MaxSizeBytes = job.Response.MaxSizeBytes
	cfg.CompressResponse = job.Response.CompressResponse
	cfg.StoreFullResponse = job.Response.StoreFullResponse
	cfg.StoragePrefix = "executions/"
	return cfg
}

func flattenHeaders(h http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func parseRetryAfterHeader(h http.Header) *time.Time {
	if h == nil {
		return nil
	}
	v := h.Get("Retry-After")
	if v == "" {
		return nil
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		t := time.Now().Add(secs)
		return &t
	}
	if t, err := http.ParseTime(v); err == nil {
		return &t
	}
	return nil
}

// queueEventCompleted/Failed/Stalled mirror queue.EventKind so this file
// doesn't need to import the constants under a different name at every
// call site.
const (
	queueEventCompleted = queue.EventCompleted
	queueEventFailed    = queue.EventFailed
	queueEventStalled   = queue.EventStalled
)
