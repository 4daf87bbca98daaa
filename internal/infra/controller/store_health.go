package controller

import (
	"context"
	"time"

	"github.com/prodcast/worker/internal/app"
)

// StoreHealthController probes the store. While the store gate is closed a
// successful probe is what reopens it.
type StoreHealthController struct {
	gate     *app.StoreGate
	store    app.Pinger
	interval time.Duration
}

// NewStoreHealthController creates a new StoreHealthController.
// Default interval: 15 seconds.
func NewStoreHealthController(gate *app.StoreGate, store app.Pinger, interval time.Duration) *StoreHealthController {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &StoreHealthController{gate: gate, store: store, interval: interval}
}

// Name returns the controller name.
func (c *StoreHealthController) Name() string {
	return "store-health"
}

// Interval returns the reconciliation interval.
func (c *StoreHealthController) Interval() time.Duration {
	return c.interval
}

// Reconcile pings the store. It reports 1 item when the probe reopened a
// closed gate.
func (c *StoreHealthController) Reconcile(ctx context.Context) (int, error) {
	wasAvailable := c.gate.Available()
	if err := c.gate.Probe(ctx, c.store); err != nil {
		return 0, err
	}
	if !wasAvailable {
		return 1, nil
	}
	return 0, nil
}
