// Package controller runs periodic reconciliation loops that keep the
// worker healthy: expiring overdue leases and probing the store.
//
// Each controller runs in its own goroutine. A failing reconcile is logged
// and counted; it never stops the loop or affects other controllers.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prodcast/worker/pkg/logger"
)

// Controller is one reconciliation loop.
type Controller interface {
	// Name returns the unique name of this controller.
	Name() string

	// Interval returns how often this controller should run.
	Interval() time.Duration

	// Reconcile must be idempotent. It returns the number of items it
	// acted on.
	Reconcile(ctx context.Context) (int, error)
}

// Metrics records controller activity.
type Metrics interface {
	RecordReconcile(controller string, itemsProcessed int, duration time.Duration, err error)
	SetControllerRunning(controller string, running bool)
	SetLastReconcileTime(controller string, t time.Time)
}

// Manager runs registered controllers until stopped.
type Manager struct {
	metrics Metrics
	logger  *logger.Logger

	mu          sync.Mutex
	controllers []Controller
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a new controller manager. metrics may be nil.
func NewManager(metrics Metrics, log *logger.Logger) *Manager {
	return &Manager{
		metrics: metrics,
		logger:  log.With("component", "controller_manager"),
	}
}

// Register adds a controller. It must be called before Start.
func (m *Manager) Register(c Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		panic("cannot register controllers while manager is running")
	}
	m.controllers = append(m.controllers, c)
	m.logger.Info("controller registered", "name", c.Name(), "interval", c.Interval().String())
}

// Start starts all registered controllers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return errors.New("controller manager already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.logger.Info("starting controller manager", "controller_count", len(m.controllers))
	for _, c := range m.controllers {
		c := c
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run(ctx, c)
		}()
	}
	return nil
}

// Stop stops all controllers and waits for in-flight reconciles.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("controller manager stopped")
}

// Names returns the names of all registered controllers.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.controllers))
	for i, c := range m.controllers {
		names[i] = c.Name()
	}
	return names
}

func (m *Manager) run(ctx context.Context, c Controller) {
	name := c.Name()
	if m.metrics != nil {
		m.metrics.SetControllerRunning(name, true)
		defer m.metrics.SetControllerRunning(name, false)
	}

	// Run immediately on start
	m.reconcileOnce(ctx, c)

	ticker := time.NewTicker(c.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("controller stopping", "name", name)
			return
		case <-ticker.C:
			m.reconcileOnce(ctx, c)
		}
	}
}

func (m *Manager) reconcileOnce(ctx context.Context, c Controller) {
	name := c.Name()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.Interval())
	defer cancel()

	count, err := c.Reconcile(ctx)
	duration := time.Since(start)

	switch {
	case err != nil && ctx.Err() == nil:
		m.logger.Error("controller reconcile failed", "name", name, "duration", duration, "error", err)
	case count > 0:
		m.logger.Info("controller reconcile completed", "name", name, "items_processed", count, "duration", duration)
	}

	if m.metrics != nil {
		m.metrics.RecordReconcile(name, count, duration, err)
		m.metrics.SetLastReconcileTime(name, time.Now())
	}
}
