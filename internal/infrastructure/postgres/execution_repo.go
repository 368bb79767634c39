package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func durationFromMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// ExecutionRepository persists domain.Execution rows — the audit trail
// the Job Manager exposes through History/Statistics.
type ExecutionRepository struct {
	pool *pgxpool.Pool
}

func NewExecutionRepository(pool *pgxpool.Pool) *ExecutionRepository {
	return &ExecutionRepository{pool: pool}
}

func (r *ExecutionRepository) Open(ctx context.Context, exec *domain.Execution) (*domain.Execution, error) {
	requestHeaders, err := json.Marshal(exec.Request.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal request headers: %w", err)
	}

	query := `
		INSERT INTO executions (
			execution_uuid, job_id, job_uuid, org_id,
			scheduled_for, executed_at,
			request_prompt, request_target_api, request_headers, request_timeout_ms,
			status, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at`

	row := r.pool.QueryRow(ctx, query,
		exec.ExecutionUUID, exec.JobID, exec.JobUUID, exec.OrgID,
		exec.ScheduledFor, exec.ExecutedAt,
		exec.Request.Prompt, exec.Request.TargetAPI, requestHeaders, exec.Request.Timeout.Milliseconds(),
		exec.Status, exec.Attempts,
	)

	out := *exec
	if err := row.Scan(&out.CreatedAt); err != nil {
		return nil, fmt.Errorf("open execution: %w", err)
	}
	return &out, nil
}

func (r *ExecutionRepository) Close(ctx context.Context, exec *domain.Execution) error {
	var respHeaders, respData []byte
	var statusCode *int
	var dataSize *int64
	var isCompressed, isTruncated *bool
	var storageLocation *string

	if exec.Response != nil {
		var err error
		respHeaders, err = json.Marshal(exec.Response.Headers)
		if err != nil {
			return fmt.Errorf("marshal response headers: %w", err)
		}
		respData = exec.Response.Data
		sc := exec.Response.StatusCode
		statusCode = &sc
		ds := exec.Response.DataSize
		dataSize = &ds
		ic := exec.Response.IsCompressed
		isCompressed = &ic
		it := exec.Response.IsTruncated
		isTruncated = &it
		storageLocation = nullableString(exec.Response.StorageLocation)
	}

	var errMessage, errCode, errStack *string
	var errRetryable *bool
	if exec.Error != nil {
		errMessage = &exec.Error.Message
		errCode = &exec.Error.Code
		errStack = &exec.Error.Stack
		errRetryable = &exec.Error.Retryable
	}

	var rlRemaining *int
	var rlReset *int64
	var rlRetryAfterMs *int64
	if exec.RateLimitInfo != nil {
		rlRemaining = &exec.RateLimitInfo.Remaining
		if exec.RateLimitInfo.Reset != nil {
			unix := exec.RateLimitInfo.Reset.Unix()
			rlReset = &unix
		}
		if exec.RateLimitInfo.RetryAfter != nil {
			ms := exec.RateLimitInfo.RetryAfter.Milliseconds()
			rlRetryAfterMs = &ms
		}
	}

	var durationMs *int64
	if exec.Duration != nil {
		d := exec.Duration.Milliseconds()
		durationMs = &d
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE executions SET
			completed_at = $2, duration_ms = $3,
			response_status_code = $4, response_headers = $5, response_data = $6,
			response_data_size = $7, response_is_compressed = $8, response_is_truncated = $9,
			response_storage_location = $10,
			status = $11, attempts = $12,
			error_message = $13, error_code = $14, error_stack = $15, error_retryable = $16,
			rate_limit_remaining = $17, rate_limit_reset = $18, rate_limit_retry_after_ms = $19
		WHERE execution_uuid = $1`,
		exec.ExecutionUUID, exec.CompletedAt, durationMs,
		statusCode, respHeaders, respData,
		dataSize, isCompressed, isTruncated,
		storageLocation,
		exec.Status, exec.Attempts,
		errMessage, errCode, errStack, errRetryable,
		rlRemaining, rlReset, rlRetryAfterMs,
	)
	if err != nil {
		return fmt.Errorf("close execution: %w", err)
	}
	return nil
}

// DeleteOlderThan removes executions whose ExecutedAt predates cutoff,
// implementing the DATABASE_EXECUTION_RETENTION housekeeping policy
// (spec §3/§6). It returns the number of rows removed.
func (r *ExecutionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM executions WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ExecutionRepository) ListByJobUUID(ctx context.Context, orgID, jobUUID string, limit int) ([]*domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT execution_uuid, job_id, job_uuid, org_id,
		       scheduled_for, executed_at, completed_at, duration_ms,
		       request_prompt, request_target_api, request_headers, request_timeout_ms,
		       response_status_code, response_headers, response_data, response_data_size,
		       response_is_compressed, response_is_truncated, response_storage_location,
		       status, attempts,
		       error_message, error_code, error_stack, error_retryable,
		       rate_limit_remaining, rate_limit_reset, rate_limit_retry_after_ms,
		       created_at
		FROM executions
		WHERE org_id = $1 AND job_uuid = $2
		ORDER BY executed_at DESC
		LIMIT $3`, orgID, jobUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var e domain.Execution
	var requestHeadersRaw, responseHeadersRaw, responseDataRaw []byte
	var requestTimeoutMs int64
	var durationMs *int64
	var statusCode *int
	var dataSize *int64
	var isCompressed, isTruncated *bool
	var storageLocation *string
	var errMessage, errCode, errStack *string
	var errRetryable *bool
	var rlRemaining *int
	var rlReset *int64
	var rlRetryAfterMs *int64

	err := row.Scan(
		&e.ExecutionUUID, &e.JobID, &e.JobUUID, &e.OrgID,
		&e.ScheduledFor, &e.ExecutedAt, &e.CompletedAt, &durationMs,
		&e.Request.Prompt, &e.Request.TargetAPI, &requestHeadersRaw, &requestTimeoutMs,
		&statusCode, &responseHeadersRaw, &responseDataRaw, &dataSize,
		&isCompressed, &isTruncated, &storageLocation,
		&e.Status, &e.Attempts,
		&errMessage, &errCode, &errStack, &errRetryable,
		&rlRemaining, &rlReset, &rlRetryAfterMs,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	e.Request.Timeout = durationFromMs(requestTimeoutMs)
	if durationMs != nil {
		d := durationFromMs(*durationMs)
		e.Duration = &d
	}
	if len(requestHeadersRaw) > 0 {
		_ = json.Unmarshal(requestHeadersRaw, &e.Request.Headers)
	}

	if statusCode != nil {
		resp := &domain.ResponseSnapshot{StatusCode: *statusCode}
		if len(responseHeadersRaw) > 0 {
			_ = json.Unmarshal(responseHeadersRaw, &resp.Headers)
		}
		if dataSize != nil {
			resp.DataSize = *dataSize
		}
		if isCompressed != nil {
			resp.IsCompressed = *isCompressed
		}
		if isTruncated != nil {
			resp.IsTruncated = *isTruncated
		}
		if storageLocation != nil {
			resp.StorageLocation = *storageLocation
		}
		resp.Data = responseDataRaw
		e.Response = resp
	}

	if errMessage != nil {
		e.Error = &domain.ExecutionError{Message: *errMessage}
		if errCode != nil {
			e.Error.Code = *errCode
		}
		if errStack != nil {
			e.Error.Stack = *errStack
		}
		if errRetryable != nil {
			e.Error.Retryable = *errRetryable
		}
	}

	if rlRemaining != nil {
		info := &domain.RateLimitInfo{Remaining: *rlRemaining}
		if rlReset != nil {
			t := unixTime(*rlReset)
			info.Reset = &t
		}
		if rlRetryAfterMs != nil {
			d := durationFromMs(*rlRetryAfterMs)
			info.RetryAfter = &d
		}
		e.RateLimitInfo = info
	}

	return &e, nil
}
