// Package queue implements the queue adapter (spec §4.4, C4): a shared
// work queue backed by a distributed key/value store, with an offline
// local fallback during outages and advisory lifecycle observation.
package queue

import (
	"context"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
)

// EventKind enumerates the advisory lifecycle events the adapter surfaces
// (spec §4.4: "completed, failed, stalled... must not be the sole source
// of truth").
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
)

// Event is one advisory lifecycle observation.
type Event struct {
	Kind    EventKind
	JobUUID string
	At      time.Time
}

// Token is a claimed unit of work: one due fire of one job.
type Token struct {
	JobUUID      string
	ScheduleType domain.ScheduleType
	DueAt        time.Time
}

// Queue is the C4 contract. Implementations must be safe for concurrent
// use by multiple worker goroutines.
type Queue interface {
	// Schedule enqueues (or re-enqueues) job's next fire. For a "once"
	// schedule it is a single delayed token; for "recurring" it is the
	// job's next computed occurrence, re-scheduled by the caller after
	// every fire. delay < 0 fails with domain.ErrPastSchedule.
	Schedule(ctx context.Context, job *domain.Job) error

	// Cancel removes any pending token for jobUUID. Idempotent.
	Cancel(ctx context.Context, jobUUID string) error

	// Claim blocks (subject to ctx) until a due token is available and
	// returns it, having atomically removed it from the queue so no
	// other caller can claim the same token.
	Claim(ctx context.Context) (*Token, error)

	// Events returns a channel of advisory lifecycle observations.
	Events() <-chan Event

	// Emit publishes an advisory lifecycle event. Callers (the worker
	// pipeline) must have already written the authoritative execution
	// record before calling this.
	Emit(kind EventKind, jobUUID string)

	// Depth reports the number of pending tokens, for health/metrics.
	Depth(ctx context.Context) (int64, error)
}
