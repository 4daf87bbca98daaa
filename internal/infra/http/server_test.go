package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodcast/worker/internal/infra/http/handler"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type gate bool

func (g gate) Available() bool { return bool(g) }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, handler.ReadyResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body handler.ReadyResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestRouter_Health(t *testing.T) {
	r := NewRouter(handler.NewHealthHandler(handler.WithDatabase(pinger{err: errors.New("down")})))

	rec, body := get(t, r, "/health")
	assert.Equal(t, http.StatusOK, rec.Code, "liveness ignores dependencies")
	assert.Equal(t, "healthy", body.Status)
}

func TestRouter_Ready(t *testing.T) {
	tests := []struct {
		name   string
		opts   []handler.HealthHandlerOption
		status int
		failed string
	}{
		{
			name:   "all ok",
			opts:   []handler.HealthHandlerOption{handler.WithDatabase(pinger{}), handler.WithRedis(pinger{}), handler.WithStoreGate(gate(true))},
			status: http.StatusOK,
		},
		{
			name:   "redis down",
			opts:   []handler.HealthHandlerOption{handler.WithDatabase(pinger{}), handler.WithRedis(pinger{err: errors.New("refused")})},
			status: http.StatusServiceUnavailable,
			failed: "redis",
		},
		{
			name:   "gate closed",
			opts:   []handler.HealthHandlerOption{handler.WithDatabase(pinger{}), handler.WithStoreGate(gate(false))},
			status: http.StatusServiceUnavailable,
			failed: "store_gate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := get(t, NewRouter(handler.NewHealthHandler(tt.opts...)), "/ready")
			assert.Equal(t, tt.status, rec.Code)
			if tt.failed != "" {
				assert.Equal(t, "not_ready", body.Status)
				assert.Equal(t, "error", body.Checks[tt.failed].Status)
			} else {
				assert.Equal(t, "ready", body.Status)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	rec, _ := get(t, NewRouter(handler.NewHealthHandler()), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
