package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobRepository persists domain.Job rows. Compound indexes expected on the
// underlying table: (org_id, status, next_run_at), (job_uuid, org_id),
// (job_fingerprint, created_at) — the query shapes below are written
// assuming they exist.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	schedule, err := marshalSchedule(job)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule: %w", err)
	}
	headers, err := json.Marshal(job.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO jobs (
			job_uuid, idempotency_key, org_id, project_id, created_by,
			name, prompt, target_api, headers, skill_id, metadata,
			schedule_type, schedule, user_timezone,
			status, next_run_at,
			rate_limit_max_rpm, rate_limit_backoff_multiplier, rate_limit_max_backoff_ms,
			response_max_size_bytes, response_compress, response_store_full,
			job_fingerprint
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16,
			$17, $18, $19,
			$20, $21, $22,
			$23
		)
		RETURNING id, created_at, updated_at`

	row := r.pool.QueryRow(ctx, query,
		job.JobUUID, nullableString(job.IdempotencyKey), job.OrgID, job.ProjectID, job.CreatedBy,
		job.Name, job.Prompt, job.TargetAPI, headers, job.SkillID, metadata,
		job.ScheduleType, schedule, job.UserTimezone,
		job.Status, job.NextRunAt,
		job.RateLimit.MaxRequestsPerMinute, job.RateLimit.BackoffMultiplier, job.RateLimit.MaxBackoff.Milliseconds(),
		job.Response.MaxSizeBytes, job.Response.CompressResponse, job.Response.StoreFullResponse,
		job.JobFingerprint,
	)

	var id string
	var createdAt, updatedAt time.Time
	if err := row.Scan(&id, &createdAt, &updatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicate
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	out := *job
	out.ID = id
	out.CreatedAt = createdAt
	out.UpdatedAt = updatedAt
	return &out, nil
}

func (r *JobRepository) GetByUUID(ctx context.Context, orgID, jobUUID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, selectJobColumns+`
		FROM jobs WHERE org_id = $1 AND job_uuid = $2`, orgID, jobUUID)
	return scanJob(row)
}

func (r *JobRepository) GetByJobUUID(ctx context.Context, jobUUID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, selectJobColumns+`
		FROM jobs WHERE job_uuid = $1`, jobUUID)
	return scanJob(row)
}

func (r *JobRepository) List(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	args := []any{input.OrgID}
	where := []string{"org_id = $1"}

	if input.ProjectID != "" {
		args = append(args, input.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(selectJobColumns+`
		FROM jobs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (r *JobRepository) Update(ctx context.Context, job *domain.Job) error {
	schedule, err := marshalSchedule(job)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	headers, err := json.Marshal(job.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			name = $3, prompt = $4, target_api = $5, headers = $6, skill_id = $7, metadata = $8,
			schedule_type = $9, schedule = $10, user_timezone = $11,
			status = $12, next_run_at = $13,
			rate_limit_max_rpm = $14, rate_limit_backoff_multiplier = $15, rate_limit_max_backoff_ms = $16,
			response_max_size_bytes = $17, response_compress = $18, response_store_full = $19,
			updated_at = NOW()
		WHERE org_id = $1 AND job_uuid = $2`,
		job.OrgID, job.JobUUID,
		job.Name, job.Prompt, job.TargetAPI, headers, job.SkillID, metadata,
		job.ScheduleType, schedule, job.UserTimezone,
		job.Status, job.NextRunAt,
		job.RateLimit.MaxRequestsPerMinute, job.RateLimit.BackoffMultiplier, job.RateLimit.MaxBackoff.Milliseconds(),
		job.Response.MaxSizeBytes, job.Response.CompressResponse, job.Response.StoreFullResponse,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, orgID, jobUUID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE org_id = $1 AND job_uuid = $2`, orgID, jobUUID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) FindByFingerprint(ctx context.Context, orgID, fingerprint string, since time.Time) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, selectJobColumns+`
		FROM jobs
		WHERE org_id = $1 AND job_fingerprint = $2 AND created_at >= $3
		ORDER BY created_at DESC`, orgID, fingerprint, since)
	if err != nil {
		return nil, fmt.Errorf("find by fingerprint: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (r *JobRepository) FindByIdempotencyKey(ctx context.Context, orgID, key string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, selectJobColumns+`
		FROM jobs WHERE org_id = $1 AND idempotency_key = $2`, orgID, key)
	j, err := scanJob(row)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, nil
	}
	return j, err
}

// AdvanceAfterExecution persists the next-fire/terminal-state transition
// the Job Manager computes after a worker reports an execution outcome
// (spec §4.5 step 8). The queue adapter's atomic token claim and the
// per-job execution lock held around each fire already prevent concurrent
// advances of the same job, so this is a plain conditional update.
func (r *JobRepository) AdvanceAfterExecution(ctx context.Context, job *domain.Job) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			status = $3, next_run_at = $4, last_run_at = $5,
			execution_count = $6, consecutive_failures = $7,
			rate_limit_current_backoff_ms = $8, rate_limit_last_hit = $9,
			updated_at = NOW()
		WHERE org_id = $1 AND job_uuid = $2`,
		job.OrgID, job.JobUUID,
		job.Status, job.NextRunAt, job.LastRunAt,
		job.ExecutionCount, job.ConsecutiveFailures,
		job.RateLimit.CurrentBackoff.Milliseconds(), job.RateLimit.LastRateLimitHit,
	)
	if err != nil {
		return fmt.Errorf("advance job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

const selectJobColumns = `
	SELECT id, job_uuid, COALESCE(idempotency_key, ''), org_id, project_id, created_by,
	       name, prompt, target_api, headers, skill_id, metadata,
	       schedule_type, schedule, user_timezone,
	       status, next_run_at, last_run_at, execution_count, consecutive_failures,
	       rate_limit_max_rpm, rate_limit_backoff_multiplier, rate_limit_max_backoff_ms,
	       rate_limit_current_backoff_ms, rate_limit_last_hit,
	       response_max_size_bytes, response_compress, response_store_full,
	       job_fingerprint, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var scheduleRaw, headersRaw, metadataRaw []byte
	var maxBackoffMs, currentBackoffMs int64

	err := row.Scan(
		&j.ID, &j.JobUUID, &j.IdempotencyKey, &j.OrgID, &j.ProjectID, &j.CreatedBy,
		&j.Name, &j.Prompt, &j.TargetAPI, &headersRaw, &j.SkillID, &metadataRaw,
		&j.ScheduleType, &scheduleRaw, &j.UserTimezone,
		&j.Status, &j.NextRunAt, &j.LastRunAt, &j.ExecutionCount, &j.ConsecutiveFailures,
		&j.RateLimit.MaxRequestsPerMinute, &j.RateLimit.BackoffMultiplier, &maxBackoffMs,
		&currentBackoffMs, &j.RateLimit.LastRateLimitHit,
		&j.Response.MaxSizeBytes, &j.Response.CompressResponse, &j.Response.StoreFullResponse,
		&j.JobFingerprint, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.RateLimit.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	j.RateLimit.CurrentBackoff = time.Duration(currentBackoffMs) * time.Millisecond

	if len(headersRaw) > 0 {
		if err := json.Unmarshal(headersRaw, &j.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if err := unmarshalSchedule(&j, scheduleRaw); err != nil {
		return nil, err
	}

	return &j, nil
}

func marshalSchedule(job *domain.Job) ([]byte, error) {
	switch job.ScheduleType {
	case domain.ScheduleOnce:
		return json.Marshal(job.OneTime)
	case domain.ScheduleRecurring:
		return json.Marshal(job.Recurring)
	default:
		return []byte("null"), nil
	}
}

func unmarshalSchedule(j *domain.Job, raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	switch j.ScheduleType {
	case domain.ScheduleOnce:
		var s domain.OneTimeSchedule
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("unmarshal one-time schedule: %w", err)
		}
		j.OneTime = &s
	case domain.ScheduleRecurring:
		var s domain.RecurringSchedule
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("unmarshal recurring schedule: %w", err)
		}
		j.Recurring = &s
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
