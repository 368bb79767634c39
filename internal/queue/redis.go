package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	delayedSetKey = "scheduler:delayed"
	pollInterval  = 250 * time.Millisecond
	claimScript   = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
  return nil
end
redis.call("ZREM", KEYS[1], due[1])
return due[1]
`
)

// redisCmdable is the subset of *redis.Client this package depends on.
// *redis.Client satisfies it structurally; tests can supply a fake.
type redisCmdable interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisQueue is the production Queue implementation: a sorted set of
// delayed tokens scored by due-at unix time, claimed with an atomic
// ZRANGEBYSCORE+ZREM script so two workers never pop the same token.
//
// On connection failure it falls back to an in-memory offline queue and
// keeps retrying the backing store on every Schedule and Claim; tokens
// held locally are still claimed after it reconnects (spec §4.4: "keep an
// offline local queue during outages, and log reconnections").
type RedisQueue struct {
	client redisCmdable
	logger *slog.Logger

	mu      sync.Mutex
	offline bool
	local   []Token // offline fallback, ordered by DueAt ascending

	events chan Event
}

// NewRedisQueue builds a RedisQueue over a *redis.Client. Internally the
// queue only depends on the redisCmdable method set.
func NewRedisQueue(client *redis.Client, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client: client,
		logger: logger,
		events: make(chan Event, 256),
	}
}

func (q *RedisQueue) Schedule(ctx context.Context, job *domain.Job) error {
	now := time.Now()
	if !job.NextRunAt.After(now) {
		return domain.ErrPastSchedule
	}

	if err := q.client.ZAdd(ctx, delayedSetKey, redis.Z{
		Score:  float64(job.NextRunAt.Unix()),
		Member: job.JobUUID,
	}).Err(); err != nil {
		return q.handleConnErr(ctx, err, Token{
			JobUUID:      job.JobUUID,
			ScheduleType: job.ScheduleType,
			DueAt:        job.NextRunAt,
		})
	}

	q.mu.Lock()
	if q.offline {
		q.offline = false
		q.logger.Info("queue reconnected", "backend", "redis")
	}
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) Cancel(ctx context.Context, jobUUID string) error {
	if err := q.client.ZRem(ctx, delayedSetKey, jobUUID).Err(); err != nil {
		return q.asQueueError(err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.local {
		if t.JobUUID == jobUUID {
			q.local = append(q.local[:i], q.local[i+1:]...)
			break
		}
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*Token, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if tok := q.claimLocal(); tok != nil {
			return tok, nil
		}

		now := time.Now().Unix()
		res, err := q.client.Eval(ctx, claimScript, []string{delayedSetKey}, now).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			q.markOfflineLocked(err)
		} else if err == nil && res != nil {
			if jobUUID, ok := res.(string); ok {
				return &Token{JobUUID: jobUUID, DueAt: time.Unix(now, 0)}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) claimLocal() *Token {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.local) == 0 {
		return nil
	}
	now := time.Now()
	for i, t := range q.local {
		if !t.DueAt.After(now) {
			q.local = append(q.local[:i], q.local[i+1:]...)
			return &t
		}
	}
	return nil
}

func (q *RedisQueue) Events() <-chan Event {
	return q.events
}

// Emit publishes an advisory lifecycle event. Called by the worker
// pipeline after it has already written the authoritative execution
// record (spec §4.4: the queue's events are advisory, never authoritative).
func (q *RedisQueue) Emit(kind EventKind, jobUUID string) {
	select {
	case q.events <- Event{Kind: kind, JobUUID: jobUUID, At: time.Now()}:
	default:
		q.logger.Warn("queue event channel full, dropping event", "kind", kind, "jobUuid", jobUUID)
	}
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, delayedSetKey).Result()
	if err != nil {
		q.mu.Lock()
		local := int64(len(q.local))
		q.mu.Unlock()
		if q.isOffline() {
			metrics.QueueDepth.Set(float64(local))
			return local, nil
		}
		return 0, q.asQueueError(err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

func (q *RedisQueue) isOffline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offline
}

func (q *RedisQueue) handleConnErr(_ context.Context, err error, tok Token) error {
	q.markOfflineLocked(err)
	q.mu.Lock()
	q.local = append(q.local, tok)
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) markOfflineLocked(err error) {
	q.mu.Lock()
	wasOffline := q.offline
	q.offline = true
	q.mu.Unlock()
	if !wasOffline {
		metrics.QueueOfflineFallbacksTotal.Inc()
		q.logger.Warn("queue backing store unreachable, falling back to offline local queue", "error", err)
	}
}

func (q *RedisQueue) asQueueError(err error) error {
	return fmt.Errorf("%w: %s", domain.ErrQueueUnavailable, err)
}

// Ping checks connectivity to the backing store, for the health monitor (C7).
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return q.asQueueError(err)
	}
	return nil
}
