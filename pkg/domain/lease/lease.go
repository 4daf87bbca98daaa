// Package lease defines exclusive, time-bounded ownership of a job key.
//
// A key is held by at most one worker at a time. Acquire never blocks: a
// held key yields ErrBusy immediately. A lease that outlives its deadline is
// force-expired and the key becomes acquirable again; the former holder
// learns this as ErrExpired on its next Renew or Release.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy is returned when the key is already leased.
	ErrBusy = errors.New("job key is busy")

	// ErrExpired is returned to a holder whose lease was force-expired or
	// taken over. It signals an inconsistency and is always logged.
	ErrExpired = errors.New("lease expired")
)

// Lease is proof of ownership of a key until Deadline.
type Lease struct {
	Key      string
	Token    string
	Holder   string
	Deadline time.Time
}

// Tracker grants and releases leases.
type Tracker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, l *Lease, ttl time.Duration) error
	Release(ctx context.Context, l *Lease) error
}

// Reaper is implemented by trackers that expire overdue leases actively
// rather than relying on the backing store's TTL.
type Reaper interface {
	// ExpireOverdue force-expires leases past their deadline and returns
	// how many were expired.
	ExpireOverdue(ctx context.Context) (int, error)
}
