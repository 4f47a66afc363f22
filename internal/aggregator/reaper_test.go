package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailshield/threat-pipeline/internal/pkg/distlock"
)

type fakeLock struct {
	acquired bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) { return f.acquired, nil }
func (f *fakeLock) Release(context.Context) error         { f.releases++; return nil }

func TestSweep_DeletesOnlyStaleState(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	state := NewStateStore(client, time.Hour)

	// Stale: created 11 minutes ago.
	old := time.Now().UTC().Add(-11 * time.Minute)
	_, err := state.ApplyControl(ctx, "stale-job", true, old)
	require.NoError(t, err)

	// Fresh: created just now.
	_, err = state.ApplyControl(ctx, "fresh-job", true, time.Now().UTC())
	require.NoError(t, err)

	r := NewReaper(state, &fakeLock{acquired: true}, time.Minute, 10*time.Minute)
	require.NoError(t, r.sweep(ctx))

	n, _ := client.Exists(ctx, stateKey("stale-job")).Result()
	assert.Zero(t, n)
	n, _ = client.Exists(ctx, stateKey("fresh-job")).Result()
	assert.EqualValues(t, 1, n)
}

func TestSweep_SkipsWhenLockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	state := NewStateStore(client, time.Hour)
	_, err := state.ApplyControl(ctx, "stale-job", true, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	lock := &fakeLock{acquired: false}
	r := NewReaper(state, lock, time.Minute, 10*time.Minute)
	require.NoError(t, r.sweep(ctx))

	n, _ := client.Exists(ctx, stateKey("stale-job")).Result()
	assert.EqualValues(t, 1, n, "state untouched when another process holds the lock")
	assert.Zero(t, lock.releases)
}

func TestSweep_WithRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	state := NewStateStore(client, time.Hour)
	_, err := state.ApplyControl(ctx, "stale-job", false, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	lock := distlock.NewRedisLock(client, "reaper", 30*time.Second)
	r := NewReaper(state, lock, time.Minute, 10*time.Minute)
	require.NoError(t, r.sweep(ctx))

	n, _ := client.Exists(ctx, stateKey("stale-job")).Result()
	assert.Zero(t, n)
}
