package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker() (*LeaseTracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewLeaseTracker(logger.NewNop(), WithClock(clock.Now)), clock
}

func TestLeaseTracker_AcquireBusy(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()

	l, err := tr.Acquire(ctx, "scenario:1", "w1", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, l.Token)

	_, err = tr.Acquire(ctx, "scenario:1", "w2", time.Minute)
	assert.ErrorIs(t, err, lease.ErrBusy)

	// Other keys are independent.
	_, err = tr.Acquire(ctx, "scenario:2", "w2", time.Minute)
	assert.NoError(t, err)
}

func TestLeaseTracker_ReleaseThenReacquire(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()

	l, err := tr.Acquire(ctx, "k", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, tr.Release(ctx, l))
	assert.Equal(t, 0, tr.Len())

	_, err = tr.Acquire(ctx, "k", "w2", time.Minute)
	assert.NoError(t, err)
}

func TestLeaseTracker_ReleaseByNonHolder(t *testing.T) {
	tr, _ := newTracker()
	ctx := context.Background()

	_, err := tr.Acquire(ctx, "k", "w1", time.Minute)
	require.NoError(t, err)

	forged := &lease.Lease{Key: "k", Token: "not-the-token"}
	assert.ErrorIs(t, tr.Release(ctx, forged), lease.ErrExpired)
	assert.Equal(t, 1, tr.Len(), "non-holder must not release the lease")
}

func TestLeaseTracker_ForceExpiryOnAcquire(t *testing.T) {
	tr, clock := newTracker()
	ctx := context.Background()

	stale, err := tr.Acquire(ctx, "k", "w1", time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute)

	fresh, err := tr.Acquire(ctx, "k", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", fresh.Holder)

	// The former holder learns it lost the lease.
	assert.ErrorIs(t, tr.Renew(ctx, stale, time.Minute), lease.ErrExpired)
	assert.ErrorIs(t, tr.Release(ctx, stale), lease.ErrExpired)

	// The new holder is unaffected.
	assert.NoError(t, tr.Release(ctx, fresh))
}

func TestLeaseTracker_Renew(t *testing.T) {
	tr, clock := newTracker()
	ctx := context.Background()

	l, err := tr.Acquire(ctx, "k", "w1", time.Minute)
	require.NoError(t, err)
	first := l.Deadline

	clock.Advance(30 * time.Second)
	require.NoError(t, tr.Renew(ctx, l, time.Minute))
	assert.True(t, l.Deadline.After(first))

	clock.Advance(59 * time.Second)
	_, err = tr.Acquire(ctx, "k", "w2", time.Minute)
	assert.ErrorIs(t, err, lease.ErrBusy, "renewed lease must still be held")

	clock.Advance(2 * time.Second)
	assert.ErrorIs(t, tr.Renew(ctx, l, time.Minute), lease.ErrExpired)
	assert.Equal(t, 0, tr.Len())
}

func TestLeaseTracker_ReleaseAfterDeadline(t *testing.T) {
	tr, clock := newTracker()
	ctx := context.Background()

	l, err := tr.Acquire(ctx, "k", "w1", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.ErrorIs(t, tr.Release(ctx, l), lease.ErrExpired)
	assert.Equal(t, 0, tr.Len())
}

func TestLeaseTracker_ExpireOverdue(t *testing.T) {
	tr, clock := newTracker()
	ctx := context.Background()

	_, err := tr.Acquire(ctx, "a", "w1", time.Minute)
	require.NoError(t, err)
	_, err = tr.Acquire(ctx, "b", "w1", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	n, err := tr.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, tr.Len())

	_, err = tr.Acquire(ctx, "a", "w2", time.Minute)
	assert.NoError(t, err)
}

func TestLeaseTracker_ConcurrentAcquireSingleWinner(t *testing.T) {
	tr := NewLeaseTracker(logger.NewNop())
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Acquire(ctx, "hot", "w", time.Minute); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
