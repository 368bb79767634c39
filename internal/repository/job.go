package repository

import (
	"context"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
)

// ListJobsInput is the tenant-scoped cursor-paginated listing filter for
// the Job Manager's List operation (spec §4.6).
type ListJobsInput struct {
	OrgID      string
	ProjectID  string
	Status     domain.Status
	CursorTime *time.Time // cursor on (created_at DESC, id DESC)
	CursorID   string
	Limit      int
}

// JobRepository is the persistence boundary for Job records. The Job
// Manager (C6) is its only writer — it owns all tenant-scoping and state
// machine enforcement; this interface is intentionally dumb storage.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) (*domain.Job, error)
	GetByUUID(ctx context.Context, orgID, jobUUID string) (*domain.Job, error)

	// GetByJobUUID looks up a job without tenant scoping. Only the worker
	// pipeline (C5) uses it: a claimed queue token carries just a jobUUID,
	// not the owning org, so re-resolving the job at fire time cannot go
	// through the tenant-scoped GetByUUID.
	GetByJobUUID(ctx context.Context, jobUUID string) (*domain.Job, error)
	List(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	Delete(ctx context.Context, orgID, jobUUID string) error

	// FindByFingerprint supports duplicate detection (spec §4.6): jobs
	// sharing a fingerprint within the configured window are candidates.
	FindByFingerprint(ctx context.Context, orgID, fingerprint string, since time.Time) ([]*domain.Job, error)
	FindByIdempotencyKey(ctx context.Context, orgID, key string) (*domain.Job, error)

	// AdvanceAfterExecution persists the post-fire state transition in one
	// statement: next run time (or terminal status), execution/failure
	// counters (spec §4.5 step 8).
	AdvanceAfterExecution(ctx context.Context, job *domain.Job) error
}
