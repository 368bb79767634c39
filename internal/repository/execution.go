package repository

import (
	"context"

	"github.com/cronkit/scheduler/internal/domain"
)

// ExecutionRepository is the append-only audit trail for job firings
// (spec §3 Execution, §4.6 History/Statistics).
type ExecutionRepository interface {
	// Open persists the execution record at the moment a fire begins,
	// returning it with its DB-assigned creation time; Close references it by
	// the caller-generated ExecutionUUID.
	Open(ctx context.Context, exec *domain.Execution) (*domain.Execution, error)

	// Close finalizes a previously opened execution with its outcome.
	Close(ctx context.Context, exec *domain.Execution) error

	// ListByJobUUID returns executions for one job, newest first.
	ListByJobUUID(ctx context.Context, orgID, jobUUID string, limit int) ([]*domain.Execution, error)
}
