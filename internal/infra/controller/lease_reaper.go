package controller

import (
	"context"
	"time"

	"github.com/prodcast/worker/pkg/domain/lease"
)

// LeaseReaperController force-expires leases whose holder stopped renewing,
// so that a hung or crashed worker cannot block its key forever. Only
// trackers without native TTLs need it.
type LeaseReaperController struct {
	reaper   lease.Reaper
	interval time.Duration
}

// NewLeaseReaperController creates a new LeaseReaperController.
// Default interval: 30 seconds.
func NewLeaseReaperController(reaper lease.Reaper, interval time.Duration) *LeaseReaperController {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LeaseReaperController{reaper: reaper, interval: interval}
}

// Name returns the controller name.
func (c *LeaseReaperController) Name() string {
	return "lease-reaper"
}

// Interval returns the reconciliation interval.
func (c *LeaseReaperController) Interval() time.Duration {
	return c.interval
}

// Reconcile expires overdue leases.
func (c *LeaseReaperController) Reconcile(ctx context.Context) (int, error) {
	return c.reaper.ExpireOverdue(ctx)
}
