package app

import (
	"context"
	"errors"
	"sync"

	"github.com/prodcast/worker/internal/metrics"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/shared"
	"github.com/prodcast/worker/pkg/logger"
)

// ErrStoreUnavailable is returned instead of acquiring a lease while the
// store is considered down.
var ErrStoreUnavailable = errors.New("store unavailable")

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreGate stops new acquisitions after repeated store failures. In-flight
// work continues; its leases expire on their own if the store stays down.
type StoreGate struct {
	threshold int
	logger    *logger.Logger

	mu        sync.Mutex
	failures  int
	available bool
}

// NewStoreGate creates an open gate.
func NewStoreGate(threshold int, log *logger.Logger) *StoreGate {
	if threshold < 1 {
		threshold = 1
	}
	metrics.StoreAvailable.Set(1)
	return &StoreGate{
		threshold: threshold,
		logger:    log.With("component", "store_gate"),
		available: true,
	}
}

// Available reports whether new acquisitions are admitted.
func (g *StoreGate) Available() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.available
}

// Observe records the outcome of a store call and returns err unchanged.
// Domain answers such as not found are successes from the store's view.
func (g *StoreGate) Observe(err error) error {
	if err == nil || shared.IsNotFound(err) || shared.IsValidation(err) || errors.Is(err, job.ErrOutcomeRecorded) {
		g.reset()
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.available && g.failures >= g.threshold {
		g.available = false
		metrics.StoreAvailable.Set(0)
		g.logger.Error("store marked unavailable, rejecting new acquisitions",
			"consecutive_failures", g.failures,
			"error", err,
		)
	}
	return err
}

// Probe pings the store and reopens the gate on success.
func (g *StoreGate) Probe(ctx context.Context, p Pinger) error {
	return g.Observe(p.Ping(ctx))
}

func (g *StoreGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	if !g.available {
		g.available = true
		metrics.StoreAvailable.Set(1)
		g.logger.Info("store available again")
	}
}
