package automation

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/prodcast/worker/internal/metrics"
)

// sessionLimiter bounds concurrent tool sessions and the rate at which new
// ones are opened.
type sessionLimiter struct {
	slots *semaphore.Weighted
	rate  *rate.Limiter
	wait  time.Duration
}

func newSessionLimiter(maxSessions int, openRate float64, wait time.Duration) *sessionLimiter {
	if maxSessions < 1 {
		maxSessions = 1
	}
	l := &sessionLimiter{
		slots: semaphore.NewWeighted(int64(maxSessions)),
		wait:  wait,
	}
	if openRate > 0 {
		l.rate = rate.NewLimiter(rate.Limit(openRate), 1)
	}
	return l
}

// acquire blocks until a session may open, for at most the configured wait.
// The returned func releases the slot.
func (l *sessionLimiter) acquire(ctx context.Context) (func(), error) {
	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			l.slots.Release(1)
			return nil, err
		}
	}

	metrics.AutomationSessionsActive.Inc()
	return func() {
		metrics.AutomationSessionsActive.Dec()
		l.slots.Release(1)
	}, nil
}
