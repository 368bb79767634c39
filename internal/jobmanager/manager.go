// Package jobmanager implements the Job Manager (spec §4.6, C6): the
// authoritative, tenant-scoped CRUD, state machine, and history surface
// over jobs and executions. It is the only writer of job state; the
// worker pipeline also reads jobs and writes execution records directly.
package jobmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/metrics"
	"github.com/cronkit/scheduler/internal/repository"
	"github.com/google/uuid"
)

// TimePlanner is the C1 capability the manager depends on. It matches
// *timeplanner.Planner's exported method set.
type TimePlanner interface {
	ValidateSchedule(j *domain.Job) error
	PlanFirstFire(j *domain.Job, now time.Time) (time.Time, error)
	BuildCronExpression(r *domain.RecurringSchedule, userTimezone string) (string, error)
	NextFire(cronExpr string, fromInstant time.Time, endDate *time.Time, userTimezone string) (time.Time, error)
	NextNFires(cronExpr string, n int, fromInstant time.Time, endDate *time.Time, userTimezone string) ([]time.Time, error)
}

// QueueAdapter is the C4 capability the manager depends on.
type QueueAdapter interface {
	Schedule(ctx context.Context, job *domain.Job) error
	Cancel(ctx context.Context, jobUUID string) error
}

// Clock abstracts time.Now for deterministic tests (spec §9 design notes
// list Clock among the plain capabilities components are built from).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DuplicateConfig controls the Create-time duplicate checks (spec §4.6).
type DuplicateConfig struct {
	Enabled             bool
	DuplicateWindow     time.Duration
}

// StatisticsReader is the C6 aggregate read-model dependency (spec §4.6
// Statistics). It is separate from JobRepository/ExecutionRepository
// because the backing implementation (GORM read queries) has different
// consistency and latency requirements than the hot write/claim paths.
type StatisticsReader interface {
	Aggregate(ctx context.Context, orgID string) (*domain.Statistics, error)
}

// Manager is the C6 implementation.
type Manager struct {
	jobs       repository.JobRepository
	executions repository.ExecutionRepository
	planner    TimePlanner
	queue      QueueAdapter
	clock      Clock
	dup        DuplicateConfig
	stats      StatisticsReader
}

// New builds a Manager. clock may be nil to use the system clock.
func New(jobs repository.JobRepository, executions repository.ExecutionRepository, planner TimePlanner, queue QueueAdapter, dup DuplicateConfig, clock Clock) *Manager {
	if clock == nil {
		clock = systemClock{}
	}
	return &Manager{jobs: jobs, executions: executions, planner: planner, queue: queue, dup: dup, clock: clock}
}

// WithStatisticsReader attaches the aggregate read-model dependency.
// Statistics returns domain.ErrNotImplemented if this was never called —
// it is wired separately from New because it depends on a second,
// optional database connection (GORM), unlike every other Manager
// collaborator.
func (m *Manager) WithStatisticsReader(stats StatisticsReader) *Manager {
	m.stats = stats
	return m
}

// Statistics returns per-tenant aggregate counts and rates (spec §4.6).
func (m *Manager) Statistics(ctx context.Context, orgID string) (*domain.Statistics, error) {
	if m.stats == nil {
		return nil, domain.ErrNotImplemented
	}
	return m.stats.Aggregate(ctx, orgID)
}

// CreateRequest mirrors the wire shape ICronJobRequest (spec §6).
type CreateRequest struct {
	IdempotencyKey string
	ProjectID      string
	Name           string
	Prompt         string
	TargetAPI      string
	Headers        map[string]string
	SkillID        string
	Metadata       map[string]any

	ScheduleType domain.ScheduleType
	OneTime      *domain.OneTimeSchedule
	Recurring    *domain.RecurringSchedule
	UserTimezone string

	RateLimit domain.RateLimitConfig
	Response  domain.ResponseConfig
}

// Create validates, deduplicates, plans, persists, and enqueues a new job
// (spec §4.6 Create).
func (m *Manager) Create(ctx context.Context, req CreateRequest, access domain.AccessContext) (*domain.Job, error) {
	if err := validatePayload(req.Name, req.Prompt, req.TargetAPI); err != nil {
		return nil, err
	}

	job := &domain.Job{
		JobUUID:        uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		OrgID:          access.OrgID,
		ProjectID:      req.ProjectID,
		CreatedBy:      access.UserID,
		Name:           req.Name,
		Prompt:         req.Prompt,
		TargetAPI:      req.TargetAPI,
		Headers:        req.Headers,
		SkillID:        req.SkillID,
		Metadata:       req.Metadata,
		ScheduleType:   req.ScheduleType,
		OneTime:        req.OneTime,
		Recurring:      req.Recurring,
		UserTimezone:   req.UserTimezone,
		Status:         domain.StatusActive,
		RateLimit:      withRateLimitDefaults(req.RateLimit),
		Response:       withResponseDefaults(req.Response),
	}

	if err := m.planner.ValidateSchedule(job); err != nil {
		return nil, err
	}

	job.JobFingerprint = fingerprint(job)

	if m.dup.Enabled {
		if job.IdempotencyKey != "" {
			existing, err := m.jobs.FindByIdempotencyKey(ctx, access.OrgID, job.IdempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("check idempotency key: %w", err)
			}
			if existing != nil {
				return nil, domain.ErrDuplicate
			}
		}
		since := m.clock.Now().Add(-m.dup.DuplicateWindow)
		matches, err := m.jobs.FindByFingerprint(ctx, access.OrgID, job.JobFingerprint, since)
		if err != nil {
			return nil, fmt.Errorf("check fingerprint: %w", err)
		}
		if len(matches) > 0 {
			return nil, domain.ErrDuplicate
		}
	}

	now := m.clock.Now()
	if job.ScheduleType == domain.ScheduleRecurring && job.Recurring.CronExpr == "" {
		expr, err := m.planner.BuildCronExpression(job.Recurring, job.UserTimezone)
		if err != nil {
			return nil, err
		}
		job.Recurring.CronExpr = expr
	}
	nextRun, err := m.planner.PlanFirstFire(job, now)
	if err != nil {
		return nil, err
	}
	job.NextRunAt = nextRun

	created, err := m.jobs.Create(ctx, job)
	if err != nil {
		return nil, err
	}

	if err := m.queue.Schedule(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// Get returns a tenant-scoped job by jobUuid.
func (m *Manager) Get(ctx context.Context, orgID, jobUUID string) (*domain.Job, error) {
	return m.jobs.GetByUUID(ctx, orgID, jobUUID)
}

// ListFilters narrows List beyond org scoping (spec §4.6).
type ListFilters struct {
	Status       domain.Status
	ScheduleType domain.ScheduleType
	ProjectID    string
	Search       string
	FromDate     *time.Time
	ToDate       *time.Time
}

// Paging is cursor/offset-agnostic at this layer; the repository
// translates CursorTime/CursorID into its storage's native pagination.
type Paging struct {
	CursorTime *time.Time
	CursorID   string
	Limit      int
}

func (m *Manager) List(ctx context.Context, orgID string, filters ListFilters, paging Paging) ([]*domain.Job, error) {
	limit := paging.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	jobs, err := m.jobs.List(ctx, repository.ListJobsInput{
		OrgID:      orgID,
		ProjectID:  filters.ProjectID,
		Status:     filters.Status,
		CursorTime: paging.CursorTime,
		CursorID:   paging.CursorID,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}

	out := jobs[:0]
	for _, j := range jobs {
		if filters.ScheduleType != "" && j.ScheduleType != filters.ScheduleType {
			continue
		}
		if filters.Search != "" && !strings.Contains(strings.ToLower(j.Name), strings.ToLower(filters.Search)) && !strings.Contains(strings.ToLower(j.Prompt), strings.ToLower(filters.Search)) {
			continue
		}
		if filters.FromDate != nil && j.CreatedAt.Before(*filters.FromDate) {
			continue
		}
		if filters.ToDate != nil && j.CreatedAt.After(*filters.ToDate) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// UpdatePatch is a partial update; nil fields are left unchanged.
type UpdatePatch struct {
	Name      *string
	Prompt    *string
	TargetAPI *string
	Headers   map[string]string
	SkillID   *string
	Metadata  map[string]any

	ScheduleType *domain.ScheduleType
	OneTime      *domain.OneTimeSchedule
	Recurring    *domain.RecurringSchedule
	UserTimezone *string

	RateLimit *domain.RateLimitConfig
	Response  *domain.ResponseConfig
}

func (m *Manager) Update(ctx context.Context, orgID, jobUUID string, patch UpdatePatch) (*domain.Job, error) {
	job, err := m.jobs.GetByUUID(ctx, orgID, jobUUID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, domain.ErrTerminal
	}

	scheduleChanged := false
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Prompt != nil {
		job.Prompt = *patch.Prompt
	}
	if patch.TargetAPI != nil {
		job.TargetAPI = *patch.TargetAPI
	}
	if patch.Headers != nil {
		job.Headers = patch.Headers
	}
	if patch.SkillID != nil {
		job.SkillID = *patch.SkillID
	}
	if patch.Metadata != nil {
		job.Metadata = patch.Metadata
	}
	if patch.RateLimit != nil {
		job.RateLimit = *patch.RateLimit
	}
	if patch.Response != nil {
		job.Response = *patch.Response
	}
	if patch.UserTimezone != nil {
		job.UserTimezone = *patch.UserTimezone
		scheduleChanged = true
	}
	if patch.ScheduleType != nil {
		job.ScheduleType = *patch.ScheduleType
		scheduleChanged = true
	}
	if patch.OneTime != nil {
		job.OneTime = patch.OneTime
		scheduleChanged = true
	}
	if patch.Recurring != nil {
		job.Recurring = patch.Recurring
		job.Recurring.CronExpr = ""
		scheduleChanged = true
	}

	if scheduleChanged {
		if err := m.planner.ValidateSchedule(job); err != nil {
			return nil, err
		}
		if job.ScheduleType == domain.ScheduleRecurring && job.Recurring.CronExpr == "" {
			expr, err := m.planner.BuildCronExpression(job.Recurring, job.UserTimezone)
			if err != nil {
				return nil, err
			}
			job.Recurring.CronExpr = expr
		}
		nextRun, err := m.planner.PlanFirstFire(job, m.clock.Now())
		if err != nil {
			return nil, err
		}
		job.NextRunAt = nextRun
	}

	job.JobFingerprint = fingerprint(job)

	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, err
	}

	if scheduleChanged {
		if err := m.queue.Cancel(ctx, job.JobUUID); err != nil {
			return nil, err
		}
		if err := m.queue.Schedule(ctx, job); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (m *Manager) Delete(ctx context.Context, orgID, jobUUID string) error {
	if _, err := m.jobs.GetByUUID(ctx, orgID, jobUUID); err != nil {
		return err
	}
	if err := m.queue.Cancel(ctx, jobUUID); err != nil {
		return err
	}
	return m.jobs.Delete(ctx, orgID, jobUUID)
}

func (m *Manager) Pause(ctx context.Context, orgID, jobUUID string) (*domain.Job, error) {
	job, err := m.jobs.GetByUUID(ctx, orgID, jobUUID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusActive {
		return nil, domain.ErrInvalidTransition
	}
	job.Status = domain.StatusPaused
	metrics.JobStateTransitionsTotal.WithLabelValues(string(domain.StatusActive), string(domain.StatusPaused)).Inc()
	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	if err := m.queue.Cancel(ctx, jobUUID); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Manager) Resume(ctx context.Context, orgID, jobUUID string) (*domain.Job, error) {
	job, err := m.jobs.GetByUUID(ctx, orgID, jobUUID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusPaused {
		return nil, domain.ErrInvalidTransition
	}
	nextRun, err := m.planner.PlanFirstFire(job, m.clock.Now())
	if err != nil {
		return nil, err
	}
	job.NextRunAt = nextRun
	job.Status = domain.StatusActive
	metrics.JobStateTransitionsTotal.WithLabelValues(string(domain.StatusPaused), string(domain.StatusActive)).Inc()
	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	if err := m.queue.Schedule(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Manager) Retry(ctx context.Context, orgID, jobUUID string) (*domain.Job, error) {
	job, err := m.jobs.GetByUUID(ctx, orgID, jobUUID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusFailed {
		return nil, domain.ErrInvalidTransition
	}

	now := m.clock.Now()
	job.ConsecutiveFailures = 0
	job.Status = domain.StatusActive
	metrics.JobStateTransitionsTotal.WithLabelValues(string(domain.StatusFailed), string(domain.StatusActive)).Inc()
	if job.ScheduleType == domain.ScheduleRecurring {
		next, err := m.planner.NextFire(job.Recurring.CronExpr, now, job.Recurring.EndDate, job.UserTimezone)
		if err != nil {
			return nil, err
		}
		job.NextRunAt = next
	} else {
		job.NextRunAt = now
	}

	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	if err := m.queue.Schedule(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// TriggerNow records a manual Execution and enqueues a zero-delay token
// without disturbing the job's regularly planned nextRunAt (spec §4.6).
// The worker pipeline opens and closes its own Execution when it actually
// fires the resulting token; this one is the audit trail entry for the
// trigger request itself.
func (m *Manager) TriggerNow(ctx context.Context, orgID, jobUUID string) error {
	job, err := m.jobs.GetByUUID(ctx, orgID, jobUUID)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	manualExec := &domain.Execution{
		ExecutionUUID: uuid.NewString(),
		JobID:         job.ID,
		JobUUID:       job.JobUUID,
		OrgID:         job.OrgID,
		ScheduledFor:  now,
		ExecutedAt:    now,
		Request: domain.RequestSnapshot{
			Prompt:    job.Prompt,
			TargetAPI: job.TargetAPI,
			Headers:   job.Headers,
		},
		Status: domain.ExecutionQueued,
	}
	opened, err := m.executions.Open(ctx, manualExec)
	if err != nil {
		return fmt.Errorf("open manual execution: %w", err)
	}
	if err := m.executions.Close(ctx, opened); err != nil {
		return fmt.Errorf("close manual execution: %w", err)
	}

	manual := *job
	manual.NextRunAt = now.Add(time.Millisecond)
	return m.queue.Schedule(ctx, &manual)
}

func (m *Manager) History(ctx context.Context, orgID, jobUUID string, limit int) ([]*domain.Execution, error) {
	if _, err := m.jobs.GetByUUID(ctx, orgID, jobUUID); err != nil {
		return nil, err
	}
	return m.executions.ListByJobUUID(ctx, orgID, jobUUID, limit)
}

// PreviewNextRuns returns the next n UTC fire instants without mutating
// the job (spec §4.6).
func (m *Manager) PreviewNextRuns(ctx context.Context, orgID, jobUUID string, n int) ([]time.Time, error) {
	job, err := m.jobs.GetByUUID(ctx, orgID, jobUUID)
	if err != nil {
		return nil, err
	}
	if job.ScheduleType == domain.ScheduleOnce {
		return []time.Time{job.OneTime.DateTime}, nil
	}
	return m.planner.NextNFires(job.Recurring.CronExpr, n, m.clock.Now(), job.Recurring.EndDate, job.UserTimezone)
}

// AdvanceOutcome is what the worker pipeline (C5) reports after a fire so
// the manager can update counters and re-plan (spec §4.5 step 8).
type AdvanceOutcome struct {
	Success bool
}

// Advance applies the post-fire state transition described in spec §4.5
// step 8: counters, next-fire computation, and terminal transitions.
func (m *Manager) Advance(ctx context.Context, job *domain.Job, outcome AdvanceOutcome) error {
	now := m.clock.Now()
	job.LastRunAt = &now
	startStatus := job.Status

	if outcome.Success {
		job.ExecutionCount++
		job.ConsecutiveFailures = 0
	} else {
		job.ConsecutiveFailures++
		if job.ConsecutiveFailures >= domain.MaxConsecutiveFailures {
			job.Status = domain.StatusFailed
			recordTransition(startStatus, job.Status)
			return m.jobs.AdvanceAfterExecution(ctx, job)
		}
	}

	switch job.ScheduleType {
	case domain.ScheduleOnce:
		if outcome.Success {
			job.Status = domain.StatusCompleted
		}
	case domain.ScheduleRecurring:
		next, err := m.planner.NextFire(job.Recurring.CronExpr, now, job.Recurring.EndDate, job.UserTimezone)
		if err != nil {
			if err == domain.ErrEndExceeded {
				job.Status = domain.StatusCompleted
			} else {
				return err
			}
		} else {
			job.NextRunAt = next
		}
	}
	recordTransition(startStatus, job.Status)

	if err := m.jobs.AdvanceAfterExecution(ctx, job); err != nil {
		return err
	}
	if job.Status == domain.StatusActive {
		return m.queue.Schedule(ctx, job)
	}
	return nil
}

// MarkCompleted and MarkFailed are shorthands for a full Advance with a
// success or failure outcome.
func (m *Manager) MarkCompleted(ctx context.Context, job *domain.Job) error {
	return m.Advance(ctx, job, AdvanceOutcome{Success: true})
}

func (m *Manager) MarkFailed(ctx context.Context, job *domain.Job) error {
	return m.Advance(ctx, job, AdvanceOutcome{Success: false})
}

func recordTransition(from, to domain.Status) {
	if from == to {
		return
	}
	metrics.JobStateTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func validatePayload(name, prompt, targetAPI string) error {
	if name == "" {
		return domain.NewValidationError("name", "is required")
	}
	if l := len(prompt); l == 0 || l > 10000 {
		return domain.NewValidationError("prompt", "must be 1..10000 characters")
	}
	if targetAPI == "" {
		return domain.NewValidationError("targetApi", "is required")
	}
	return nil
}

func withRateLimitDefaults(cfg domain.RateLimitConfig) domain.RateLimitConfig {
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return cfg
}

func withResponseDefaults(cfg domain.ResponseConfig) domain.ResponseConfig {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 1 << 20 // 1 MiB
	}
	return cfg
}

// fingerprint computes the SHA-256 duplicate-detection key from spec §3:
// {orgId, prompt, targetApi, scheduleType, serialized schedule}.
func fingerprint(j *domain.Job) string {
	var schedule any
	switch j.ScheduleType {
	case domain.ScheduleOnce:
		schedule = j.OneTime
	case domain.ScheduleRecurring:
		schedule = j.Recurring
	}
	serialized, _ := json.Marshal(schedule)

	h := sha256.New()
	h.Write([]byte(j.OrgID))
	h.Write([]byte{0})
	h.Write([]byte(j.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(j.TargetAPI))
	h.Write([]byte{0})
	h.Write([]byte(j.ScheduleType))
	h.Write([]byte{0})
	h.Write(serialized)
	return hex.EncodeToString(h.Sum(nil))
}

