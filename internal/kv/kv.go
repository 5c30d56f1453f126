// Package kv wraps the Redis-backed coordination layer (C2): progress
// snapshots, heartbeats, and the pub/sub channel that feeds live
// progress subscribers. It is the fast, ephemeral counterpart to the
// relational store in internal/store.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator is a thin, typed wrapper over a Redis client.
type Coordinator struct {
	rdb *redis.Client
}

// New builds a Coordinator over an existing Redis client.
func New(rdb *redis.Client) *Coordinator {
	return &Coordinator{rdb: rdb}
}

func progressKey(taskID string) string  { return fmt.Sprintf("task:%s:progress", taskID) }
func heartbeatKey(taskID string) string { return fmt.Sprintf("task:%s:heartbeat", taskID) }
func eventsChannel(taskID string) string { return fmt.Sprintf("task:%s:events", taskID) }

// SetSnapshot writes the progress snapshot key, used as the source of
// truth for "current progress" and as the replay value new subscribers
// read before joining the live channel.
func (c *Coordinator) SetSnapshot(ctx context.Context, taskID string, data []byte) error {
	return c.rdb.Set(ctx, progressKey(taskID), data, 0).Err()
}

// GetSnapshot reads the current progress snapshot, or nil if none exists.
func (c *Coordinator) GetSnapshot(ctx context.Context, taskID string) ([]byte, error) {
	v, err := c.rdb.Get(ctx, progressKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress snapshot: %w", err)
	}
	return v, nil
}

// Publish fans the event out to live subscribers on the task's channel.
// Delivery to live subscribers is at-least-once and best-effort: a
// publish with zero subscribers is not an error, matching the
// snapshot-first join pattern used by subscribers.
func (c *Coordinator) Publish(ctx context.Context, taskID string, data []byte) error {
	return c.rdb.Publish(ctx, eventsChannel(taskID), data).Err()
}

// Subscribe opens a live subscription to a task's event channel. The
// caller MUST read GetSnapshot before subscribing (or immediately
// after, discarding duplicate events by UpdatedAt) to avoid missing
// in-flight state between snapshot read and subscribe, mirroring the
// read-then-watch idiom used for dispatch context responses.
func (c *Coordinator) Subscribe(ctx context.Context, taskID string) *Subscription {
	return newSubscription(c.rdb.Subscribe(ctx, eventsChannel(taskID)))
}

// Subscription adapts a *redis.PubSub to a plain byte-channel surface,
// keeping the redis client type out of callers that only need ordered
// event payloads (the Progress Bus and its HTTP streaming consumer).
type Subscription struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
}

func newSubscription(ps *redis.PubSub) *Subscription {
	s := &Subscription{ps: ps, ch: make(chan []byte), done: make(chan struct{})}
	go s.pump()
	return s
}

func (s *Subscription) pump() {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// Channel returns the live stream of raw event payloads.
func (s *Subscription) Channel() <-chan []byte { return s.ch }

// Close stops the pump goroutine and releases the underlying PubSub.
func (s *Subscription) Close() error {
	close(s.done)
	return s.ps.Close()
}

// Heartbeat renews a task's liveness marker with the given TTL. A
// supervisor treats a missing key as a stale in_progress task.
func (c *Coordinator) Heartbeat(ctx context.Context, taskID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, heartbeatKey(taskID), time.Now().Format(time.RFC3339Nano), ttl).Err()
}

// IsAlive reports whether a task's heartbeat is still within its TTL.
func (c *Coordinator) IsAlive(ctx context.Context, taskID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, heartbeatKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("check heartbeat: %w", err)
	}
	return n > 0, nil
}

// CacheProfileView caches a client's derived profile view, invalidated
// explicitly by DeleteProfileView whenever a new log entry is appended.
func (c *Coordinator) CacheProfileView(ctx context.Context, clientID string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("profile_view:%s", clientID), data, ttl).Err()
}

// GetProfileView returns the cached view, or nil if absent/expired.
func (c *Coordinator) GetProfileView(ctx context.Context, clientID string) ([]byte, error) {
	v, err := c.rdb.Get(ctx, fmt.Sprintf("profile_view:%s", clientID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached profile view: %w", err)
	}
	return v, nil
}

// InvalidateProfileView drops the cached view for a client.
func (c *Coordinator) InvalidateProfileView(ctx context.Context, clientID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("profile_view:%s", clientID)).Err()
}
