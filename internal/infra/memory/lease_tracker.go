// Package memory provides in-process implementations used in
// single-process pool mode and in tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prodcast/worker/internal/metrics"
	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
)

// LeaseTracker keeps leases in a map guarded by a mutex.
type LeaseTracker struct {
	mu     sync.Mutex
	leases map[string]lease.Lease
	now    func() time.Time
	logger *logger.Logger
}

// LeaseTrackerOption configures a LeaseTracker.
type LeaseTrackerOption func(*LeaseTracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) LeaseTrackerOption {
	return func(t *LeaseTracker) {
		t.now = now
	}
}

// NewLeaseTracker creates an empty tracker.
func NewLeaseTracker(log *logger.Logger, opts ...LeaseTrackerOption) *LeaseTracker {
	t := &LeaseTracker{
		leases: make(map[string]lease.Lease),
		now:    time.Now,
		logger: log.With("component", "lease_tracker", "backend", "memory"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Acquire grants a lease on key or returns lease.ErrBusy without waiting.
// An overdue lease on key is force-expired first.
func (t *LeaseTracker) Acquire(_ context.Context, key, holder string, ttl time.Duration) (*lease.Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if cur, ok := t.leases[key]; ok {
		if now.Before(cur.Deadline) {
			return nil, lease.ErrBusy
		}
		t.forceExpire(cur, now, "acquire")
	}

	l := lease.Lease{
		Key:      key,
		Token:    uuid.NewString(),
		Holder:   holder,
		Deadline: now.Add(ttl),
	}
	t.leases[key] = l
	return &l, nil
}

// Renew extends the holder's deadline to now+ttl.
func (t *LeaseTracker) Renew(_ context.Context, l *lease.Lease, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cur, ok := t.leases[l.Key]
	if !ok || cur.Token != l.Token {
		return lease.ErrExpired
	}
	if !now.Before(cur.Deadline) {
		t.forceExpire(cur, now, "renew")
		return lease.ErrExpired
	}

	cur.Deadline = now.Add(ttl)
	t.leases[l.Key] = cur
	l.Deadline = cur.Deadline
	return nil
}

// Release drops the lease. Only the holder's token releases it; a lease
// that was already expired or taken over returns lease.ErrExpired.
func (t *LeaseTracker) Release(_ context.Context, l *lease.Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.leases[l.Key]
	if !ok || cur.Token != l.Token {
		return lease.ErrExpired
	}
	delete(t.leases, l.Key)

	if now := t.now(); !now.Before(cur.Deadline) {
		t.logger.Warn("lease released after its deadline",
			"key", cur.Key,
			"holder", cur.Holder,
			"overdue", now.Sub(cur.Deadline),
		)
		metrics.LeaseExpiredTotal.WithLabelValues("release").Inc()
		return lease.ErrExpired
	}
	return nil
}

// ExpireOverdue force-expires every lease past its deadline.
func (t *LeaseTracker) ExpireOverdue(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	expired := 0
	for _, cur := range t.leases {
		if !now.Before(cur.Deadline) {
			t.forceExpire(cur, now, "reaper")
			expired++
		}
	}
	return expired, nil
}

// Len returns the number of leases held, overdue ones included.
func (t *LeaseTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}

// forceExpire must be called with t.mu held.
func (t *LeaseTracker) forceExpire(cur lease.Lease, now time.Time, reason string) {
	delete(t.leases, cur.Key)
	t.logger.Warn("lease force-expired",
		"key", cur.Key,
		"holder", cur.Holder,
		"deadline", cur.Deadline,
		"overdue", now.Sub(cur.Deadline),
		"detected_by", reason,
	)
	metrics.LeaseExpiredTotal.WithLabelValues(reason).Inc()
}

var (
	_ lease.Tracker = (*LeaseTracker)(nil)
	_ lease.Reaper  = (*LeaseTracker)(nil)
)
