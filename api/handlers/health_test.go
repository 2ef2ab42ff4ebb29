package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serveHealth(t *testing.T, h *HealthHandler, path string) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var status HealthStatus
	if path != "/version" {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	}
	return w, status
}

func passing(context.Context) error { return nil }

func TestHealthHandler_Liveness(t *testing.T) {
	h := NewHealthHandler(zap.NewNop(), WithBuildInfo(BuildInfo{Version: "1.2.3"}))
	h.RegisterCheck(NewCheck("storage", func(context.Context) error { return errors.New("down") }))

	for _, path := range []string{"/health", "/healthz"} {
		w, status := serveHealth(t, h, path)
		assert.Equal(t, http.StatusOK, w.Code, "liveness ignores readiness checks")
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, "1.2.3", status.Version)
		assert.False(t, status.Timestamp.IsZero())
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantCode   int
		wantStatus string
	}{
		{"no checks", nil, http.StatusOK, StatusHealthy},
		{"all pass", []HealthCheck{NewCheck("storage", passing), NewCheck("memory_space", passing)}, http.StatusOK, StatusHealthy},
		{
			"optional failure degrades",
			[]HealthCheck{NewCheck("storage", passing), NewOptionalCheck("extractor", func(context.Context) error { return errors.New("429") })},
			http.StatusOK, StatusDegraded,
		},
		{
			"critical failure",
			[]HealthCheck{NewCheck("storage", func(context.Context) error { return errors.New("refused") }), NewOptionalCheck("extractor", passing)},
			http.StatusServiceUnavailable, StatusUnhealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(zap.NewNop())
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}
			w, status := serveHealth(t, h, "/readyz")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
		})
	}
}

func TestHealthHandler_ReadyReportsChecks(t *testing.T) {
	h := NewHealthHandler(nil)
	h.RegisterCheck(NewCheck("storage", func(context.Context) error { return errors.New("connection refused") }))
	h.RegisterCheck(NewOptionalCheck("extractor", passing))

	_, status := serveHealth(t, h, "/ready")
	storage := status.Checks["storage"]
	assert.Equal(t, "fail", storage.Status)
	assert.True(t, storage.Critical)
	assert.Equal(t, "connection refused", storage.Message)

	extractor := status.Checks["extractor"]
	assert.Equal(t, "pass", extractor.Status)
	assert.False(t, extractor.Critical)
	assert.NotEmpty(t, extractor.Latency)
}

// plainCheck does not implement Critical and counts as critical.
type plainCheck struct{ err error }

func (plainCheck) Name() string                      { return "plain" }
func (c plainCheck) Check(ctx context.Context) error { return c.err }

func TestHealthHandler_ChecksWithoutCriticality(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(plainCheck{err: errors.New("boom")})
	w, _ := serveHealth(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_CheckTimeout(t *testing.T) {
	h := NewHealthHandler(zap.NewNop(), WithCheckTimeout(20*time.Millisecond))
	h.RegisterCheck(NewCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	w, status := serveHealth(t, h, "/readyz")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, status.Checks["slow"].Message, "deadline exceeded")
}

func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	h := NewHealthHandler(zap.NewNop())
	for _, name := range []string{"a", "b", "c"} {
		h.RegisterCheck(NewCheck(name, slow))
	}
	w, _ := serveHealth(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Greater(t, peak.Load(), int32(1))
}

func TestHealthHandler_TierStats(t *testing.T) {
	h := NewHealthHandler(zap.NewNop(), WithTierStats(func() []types.MemoryStats {
		return []types.MemoryStats{{Category: types.MemoryWorking, Units: 3, Capacity: 7}}
	}))
	_, status := serveHealth(t, h, "/readyz")
	require.Len(t, status.Tiers, 1)
	assert.Equal(t, 7, status.Tiers[0].Capacity)

	_, status = serveHealth(t, h, "/healthz")
	assert.Empty(t, status.Tiers, "liveness stays cheap")
}

func TestHealthHandler_Version(t *testing.T) {
	h := NewHealthHandler(zap.NewNop(), WithBuildInfo(BuildInfo{Version: "1.0.0", BuildTime: "2026-01-01", GitCommit: "abc123"}))
	w, _ := serveHealth(t, h, "/version")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool      `json:"success"`
		Data    BuildInfo `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "abc123", resp.Data.GitCommit)
}

func TestHealthHandler_RejectsOtherMethods(t *testing.T) {
	mux := http.NewServeMux()
	NewHealthHandler(zap.NewNop()).Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
