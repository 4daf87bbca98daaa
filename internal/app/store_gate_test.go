package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/shared"
	"github.com/prodcast/worker/pkg/logger"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestStoreGate(t *testing.T) {
	g := NewStoreGate(2, logger.NewNop())
	down := errors.New("connection refused")

	assert.True(t, g.Available())
	assert.ErrorIs(t, g.Observe(down), down)
	assert.True(t, g.Available(), "one failure stays below threshold")

	_ = g.Observe(shared.ErrNotFound)
	_ = g.Observe(down)
	assert.True(t, g.Available(), "not found resets the count")

	_ = g.Observe(down)
	assert.False(t, g.Available())

	_ = g.Observe(fmt.Errorf("wrap: %w", job.ErrOutcomeRecorded))
	assert.True(t, g.Available())
}

func TestStoreGate_Probe(t *testing.T) {
	g := NewStoreGate(1, logger.NewNop())
	ctx := context.Background()

	assert.Error(t, g.Probe(ctx, pingerFunc(func(context.Context) error { return errors.New("down") })))
	assert.False(t, g.Available())

	assert.NoError(t, g.Probe(ctx, pingerFunc(func(context.Context) error { return nil })))
	assert.True(t, g.Available())
}

func TestStoreGate_IgnoresCancellation(t *testing.T) {
	g := NewStoreGate(1, logger.NewNop())
	_ = g.Observe(context.Canceled)
	assert.True(t, g.Available())
}
