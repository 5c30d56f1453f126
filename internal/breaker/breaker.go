// Package breaker implements a distributed circuit breaker: per-name
// fault-isolation state shared across worker processes via Redis, so
// that any worker opening a breaker is immediately visible to all
// others. The state-machine shape (closed/open/half_open, consecutive
// failure counting, half-open success counting) follows the in-process
// endpoint health tracker this core's LLM client used to keep locally;
// here the same shape is pushed into shared storage so it holds across
// a worker pool instead of one process.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/taskcore/internal/metrics"
	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// Config holds the tunables for one breaker.
type Config struct {
	FailMax          int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// DefaultConfig returns fail_max=5, reset_timeout=30s, success_threshold=2.
func DefaultConfig() Config {
	return Config{
		FailMax:          5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker guards calls to one named unreliable dependency with shared,
// cross-worker state kept in Redis.
type Breaker struct {
	rdb    *redis.Client
	logger *slog.Logger
	cfg    Config
}

// New builds a Breaker over an existing Redis client.
func New(rdb *redis.Client, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{rdb: rdb, logger: logger, cfg: cfg}
}

func key(name string) string {
	return fmt.Sprintf("circuit_breaker:%s", name)
}

// recordSuccess atomically applies a successful outcome and returns the
// resulting snapshot. Lua keeps the read-classify-write sequence
// atomic across concurrently-calling workers, the Redis equivalent of
// a KV compare-and-swap.
var recordSuccessScript = redis.NewScript(`
local k = KEYS[1]
local now = ARGV[1]
local success_threshold = tonumber(ARGV[2])

local state = redis.call('HGET', k, 'state')
if state == false then state = 'closed' end

if state == 'half_open' then
	local sc = redis.call('HINCRBY', k, 'success_count', 1)
	if sc >= success_threshold then
		redis.call('HSET', k, 'state', 'closed', 'failure_count', 0, 'success_count', 0)
		redis.call('HDEL', k, 'opened_at')
		state = 'closed'
	end
elseif state == 'closed' then
	redis.call('HSET', k, 'failure_count', 0)
end

return redis.call('HGETALL', k)
`)

// recordFailureScript applies a failed outcome. A failure in half_open
// re-opens the breaker immediately and resets opened_at; a failure in
// closed increments the consecutive counter and opens at fail_max.
var recordFailureScript = redis.NewScript(`
local k = KEYS[1]
local now = ARGV[1]
local fail_max = tonumber(ARGV[2])

local state = redis.call('HGET', k, 'state')
if state == false then state = 'closed' end

if state == 'half_open' then
	redis.call('HSET', k, 'state', 'open', 'opened_at', now, 'success_count', 0)
elseif state == 'closed' then
	local fc = redis.call('HINCRBY', k, 'failure_count', 1)
	if fc >= fail_max then
		redis.call('HSET', k, 'state', 'open', 'opened_at', now)
	end
end

return redis.call('HGETALL', k)
`)

func parseSnapshot(name string, fields map[string]string) task.CircuitSnapshot {
	snap := task.CircuitSnapshot{Name: name, State: task.CircuitClosed}
	if s, ok := fields["state"]; ok && s != "" {
		snap.State = task.CircuitBreakerState(s)
	}
	if fc, ok := fields["failure_count"]; ok {
		fmt.Sscanf(fc, "%d", &snap.FailureCount)
	}
	if sc, ok := fields["success_count"]; ok {
		fmt.Sscanf(sc, "%d", &snap.SuccessCount)
	}
	if oa, ok := fields["opened_at"]; ok && oa != "" {
		var unix int64
		if _, err := fmt.Sscanf(oa, "%d", &unix); err == nil {
			t := time.Unix(unix, 0)
			snap.OpenedAt = &t
		}
	}
	return snap
}

// Snapshot returns the current shared state for name.
func (b *Breaker) Snapshot(ctx context.Context, name string) (task.CircuitSnapshot, error) {
	fields, err := b.rdb.HGetAll(ctx, key(name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return task.CircuitSnapshot{}, fmt.Errorf("read breaker state: %w", err)
	}
	return parseSnapshot(name, fields), nil
}

// allow decides, by reading current state, whether a call may proceed.
// It performs the open -> half_open clock transition as a side effect
// when reset_timeout has elapsed: "at T the first
// call transitions to half_open."
func (b *Breaker) allow(ctx context.Context, name string) (task.CircuitSnapshot, error) {
	snap, err := b.Snapshot(ctx, name)
	if err != nil {
		return snap, err
	}
	if snap.State != task.CircuitOpen {
		return snap, nil
	}
	if snap.OpenedAt == nil || time.Since(*snap.OpenedAt) < b.cfg.ResetTimeout {
		return snap, nil
	}
	// Reset timeout elapsed: flip to half_open for this probing call.
	if err := b.rdb.HSet(ctx, key(name), "state", string(task.CircuitHalfOpen), "success_count", 0).Err(); err != nil {
		return snap, fmt.Errorf("transition to half_open: %w", err)
	}
	snap.State = task.CircuitHalfOpen
	return snap, nil
}

// Call executes op under the breaker. If the breaker is open it fails
// fast with taskerr.KindCircuitOpen without invoking op. Any error
// returned by op is classified as a failure; a nil error is a success.
// CircuitOpen itself never counts as a failure.
func (b *Breaker) Call(ctx context.Context, name string, op func(context.Context) error) error {
	snap, err := b.allow(ctx, name)
	if err != nil {
		return err
	}
	metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(snap.State)))
	if snap.State == task.CircuitOpen {
		return taskerr.New(taskerr.KindCircuitOpen, fmt.Sprintf("breaker %q is open", name))
	}

	opErr := op(ctx)
	now := fmt.Sprintf("%d", time.Now().Unix())

	if opErr == nil {
		if _, err := recordSuccessScript.Run(ctx, b.rdb, []string{key(name)}, now, b.cfg.SuccessThreshold).Result(); err != nil {
			b.logger.Warn("breaker success record failed", "breaker", name, "error", err)
		}
		if post, err := b.Snapshot(ctx, name); err == nil {
			metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(post.State)))
		}
		return nil
	}

	if _, err := recordFailureScript.Run(ctx, b.rdb, []string{key(name)}, now, b.cfg.FailMax).Result(); err != nil {
		b.logger.Warn("breaker failure record failed", "breaker", name, "error", err)
	}
	if post, err := b.Snapshot(ctx, name); err == nil {
		metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(post.State)))
	}
	return opErr
}

// Reset clears all state for name, returning it to closed. Tests and
// operators use this to force a breaker back closed.
func (b *Breaker) Reset(ctx context.Context, name string) error {
	return b.rdb.Del(ctx, key(name)).Err()
}
