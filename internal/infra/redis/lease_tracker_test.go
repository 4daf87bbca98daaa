package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
)

// These tests need a reachable Redis. Set REDIS_TEST_ADDR to run them.
func setupTracker(t *testing.T) *LeaseTracker {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Skipping redis lease tests: REDIS_TEST_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Skipping redis lease tests: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	prefix := "prodcast:test:" + t.Name() + ":"
	tr, err := NewLeaseTracker(NewFromClient(rdb, logger.NewNop()), prefix, logger.NewNop())
	require.NoError(t, err)
	return tr
}

func TestNewLeaseTracker_Validation(t *testing.T) {
	_, err := NewLeaseTracker(nil, "p:", logger.NewNop())
	assert.Error(t, err)

	c := NewFromClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), logger.NewNop())
	_, err = NewLeaseTracker(c, "", logger.NewNop())
	assert.Error(t, err)
	_, err = NewLeaseTracker(c, "p:", nil)
	assert.Error(t, err)
}

func TestOwnerValue(t *testing.T) {
	l := &lease.Lease{Holder: "worker-a", Token: "tok"}
	assert.Equal(t, "worker-a/tok", ownerValue(l))
}

func TestLeaseTracker_Redis_AcquireRelease(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()

	l, err := tr.Acquire(ctx, "scenario:7", "w1", time.Minute)
	require.NoError(t, err)

	_, err = tr.Acquire(ctx, "scenario:7", "w2", time.Minute)
	assert.ErrorIs(t, err, lease.ErrBusy)

	holder, err := tr.Holder(ctx, "scenario:7")
	require.NoError(t, err)
	assert.Equal(t, "w1", holder)

	require.NoError(t, tr.Release(ctx, l))
	assert.ErrorIs(t, tr.Release(ctx, l), lease.ErrExpired)

	l2, err := tr.Acquire(ctx, "scenario:7", "w2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, tr.Release(ctx, l2))
}

func TestLeaseTracker_Redis_ExpiryAndTakeover(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()

	stale, err := tr.Acquire(ctx, "workflow:3", "w1", 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)

	fresh, err := tr.Acquire(ctx, "workflow:3", "w2", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Renew(ctx, stale, time.Minute), lease.ErrExpired)
	assert.ErrorIs(t, tr.Release(ctx, stale), lease.ErrExpired)

	require.NoError(t, tr.Renew(ctx, fresh, time.Minute))
	require.NoError(t, tr.Release(ctx, fresh))
}
