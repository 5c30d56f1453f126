package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, cfg, nil), mr
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{FailMax: 5, ResetTimeout: 30 * time.Second, SuccessThreshold: 2}
	b, _ := newTestBreaker(t, cfg)
	ctx := context.Background()
	failing := func(context.Context) error { return errors.New("boom") }

	for i := 0; i < 4; i++ {
		err := b.Call(ctx, "llm", failing)
		require.Error(t, err)
		require.False(t, taskerr.Is(err, taskerr.KindCircuitOpen), "should not yet be open on failure %d", i+1)
	}

	// 5th consecutive failure opens the breaker.
	err := b.Call(ctx, "llm", failing)
	require.Error(t, err)

	snap, err := b.Snapshot(ctx, "llm")
	require.NoError(t, err)
	require.Equal(t, task.CircuitOpen, snap.State)

	// Subsequent calls fail fast without invoking op.
	invoked := false
	err = b.Call(ctx, "llm", func(context.Context) error { invoked = true; return nil })
	require.Error(t, err)
	require.True(t, taskerr.Is(err, taskerr.KindCircuitOpen))
	require.False(t, invoked)
}

func TestBreakerHalfOpenThenCloses(t *testing.T) {
	cfg := Config{FailMax: 2, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 2}
	b, _ := newTestBreaker(t, cfg)
	ctx := context.Background()
	failing := func(context.Context) error { return errors.New("boom") }

	require.Error(t, b.Call(ctx, "svc", failing))
	require.Error(t, b.Call(ctx, "svc", failing))

	snap, _ := b.Snapshot(ctx, "svc")
	require.Equal(t, task.CircuitOpen, snap.State)

	// The breaker measures reset_timeout against the process clock, not
	// miniredis's, so real time has to pass.
	time.Sleep(20 * time.Millisecond)

	// First call after reset_timeout probes in half_open and succeeds.
	require.NoError(t, b.Call(ctx, "svc", func(context.Context) error { return nil }))
	snap, _ = b.Snapshot(ctx, "svc")
	require.Equal(t, task.CircuitHalfOpen, snap.State)

	// Second success closes it.
	require.NoError(t, b.Call(ctx, "svc", func(context.Context) error { return nil }))
	snap, _ = b.Snapshot(ctx, "svc")
	require.Equal(t, task.CircuitClosed, snap.State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := Config{FailMax: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 2}
	b, _ := newTestBreaker(t, cfg)
	ctx := context.Background()

	require.Error(t, b.Call(ctx, "svc", func(context.Context) error { return errors.New("x") }))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, b.Call(ctx, "svc", func(context.Context) error { return errors.New("still failing") }))
	snap, _ := b.Snapshot(ctx, "svc")
	require.Equal(t, task.CircuitOpen, snap.State)
}

func TestSuccessInClosedResetsCounter(t *testing.T) {
	cfg := DefaultConfig()
	b, _ := newTestBreaker(t, cfg)
	ctx := context.Background()

	require.Error(t, b.Call(ctx, "svc", func(context.Context) error { return errors.New("x") }))
	require.NoError(t, b.Call(ctx, "svc", func(context.Context) error { return nil }))

	snap, _ := b.Snapshot(ctx, "svc")
	require.Equal(t, task.CircuitClosed, snap.State)
	require.Equal(t, 0, snap.FailureCount)
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailMax: 1, ResetTimeout: time.Second, SuccessThreshold: 1})
	ctx := context.Background()
	require.Error(t, b.Call(ctx, "svc", func(context.Context) error { return errors.New("x") }))
	require.NoError(t, b.Reset(ctx, "svc"))
	snap, _ := b.Snapshot(ctx, "svc")
	require.Equal(t, task.CircuitClosed, snap.State)
}
