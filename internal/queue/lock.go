package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// lockCmdable is the subset of *redis.Client the distributed lock needs.
type lockCmdable interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`

const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

// DefaultLockTTL and DefaultRenewInterval bound one worker's exclusive
// hold on a job during execution, preventing two workers from firing the
// same occurrence concurrently if a fire runs longer than one tick.
const (
	DefaultLockTTL       = 30 * time.Second
	DefaultRenewInterval = 15 * time.Second
)

// ExecutionLock is a distributed mutex keyed by jobUUID, held by a worker
// for the duration of one execution attempt.
type ExecutionLock struct {
	client lockCmdable
	owner  string
}

// NewExecutionLock builds an ExecutionLock. owner identifies the holder
// (the scheduler passes "scheduler-" plus a random UUID) so Release only
// ever removes its own lock.
func NewExecutionLock(client *redis.Client, owner string) *ExecutionLock {
	return &ExecutionLock{client: client, owner: owner}
}

func (l *ExecutionLock) key(jobUUID string) string {
	return fmt.Sprintf("lock:execution:%s", jobUUID)
}

// Acquire attempts to take the lock for jobUUID, expiring automatically
// after ttl if never released (a crashed worker cannot wedge a job).
func (l *ExecutionLock) Acquire(ctx context.Context, jobUUID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(jobUUID), l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire execution lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock if still held by this owner. Idempotent.
func (l *ExecutionLock) Release(ctx context.Context, jobUUID string) error {
	script := redis.NewScript(releaseScript)
	_, err := script.Run(ctx, redisScripter{l.client}, []string{l.key(jobUUID)}, l.owner).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release execution lock: %w", err)
	}
	return nil
}

// Refresh extends the lock's TTL, called periodically while an execution
// is still in flight (spec §4.4 worker pipeline long-running HTTP calls).
func (l *ExecutionLock) Refresh(ctx context.Context, jobUUID string, ttl time.Duration) error {
	script := redis.NewScript(refreshScript)
	_, err := script.Run(ctx, redisScripter{l.client}, []string{l.key(jobUUID)}, l.owner, ttl.Milliseconds()).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("refresh execution lock: %w", err)
	}
	return nil
}

// RunWithRenewal holds the lock for jobUUID while fn runs, renewing it on
// renewInterval until fn returns or ctx is cancelled. Returns false if the
// lock could not be acquired.
func (l *ExecutionLock) RunWithRenewal(ctx context.Context, jobUUID string, ttl, renewInterval time.Duration, fn func(context.Context) error) (bool, error) {
	acquired, err := l.Acquire(ctx, jobUUID, ttl)
	if err != nil || !acquired {
		return false, err
	}
	defer l.Release(ctx, jobUUID)

	renewCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				_ = l.Refresh(renewCtx, jobUUID, ttl)
			}
		}
	}()

	return true, fn(ctx)
}

// redisScripter adapts lockCmdable to redis.Scripter's Eval-only needs;
// redis.Script.Run falls back to Eval when EvalSha is unavailable.
type redisScripter struct {
	client lockCmdable
}

// errNoScript is the reply Redis gives EVALSHA for an uncached script;
// redis.Script.Run answers it by retrying the call with EVAL.
type errNoScript struct{}

func (errNoScript) Error() string { return "NOSCRIPT No matching script" }
func (errNoScript) RedisError()   {}

func (s redisScripter) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return s.client.Eval(ctx, script, keys, args...)
}

func (s redisScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(errNoScript{})
	return cmd
}

func (s redisScripter) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return s.client.Eval(ctx, script, keys, args...)
}

func (s redisScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(errNoScript{})
	return cmd
}

func (s redisScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}

func (s redisScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}
