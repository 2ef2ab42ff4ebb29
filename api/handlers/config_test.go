package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BaSui01/agentmemory/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConfigMux(t *testing.T, content string) (*http.ServeMux, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	reloader := config.NewReloader(config.NewLoader(), path, cfg, config.WithReloaderLogger(zap.NewNop()))
	mux := http.NewServeMux()
	NewConfigHandler(reloader, zap.NewNop()).Register(mux, nil)
	return mux, path
}

func TestConfigHandler_GetRedactsSecrets(t *testing.T) {
	mux, _ := newTestConfigMux(t, "auth:\n  jwt_secret: hunter2\nlog:\n  level: info\n")

	w, resp := doJSON(t, mux, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")

	var cfg map[string]any
	decodeData(t, resp, &cfg)
	auth, ok := cfg["auth"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "***", auth["jwt_secret"])
}

func TestConfigHandler_Reload(t *testing.T) {
	mux, path := newTestConfigMux(t, "log:\n  level: info\n")

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n  format: console\n"), 0o600))
	w, resp := doJSON(t, mux, http.MethodPost, "/api/v1/config/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var reload ReloadResponse
	decodeData(t, resp, &reload)
	require.Len(t, reload.Changes, 2)
	assert.True(t, reload.RequiresRestart, "log.format is a cold field")

	w, resp = doJSON(t, mux, http.MethodGet, "/api/v1/config/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []config.Snapshot
	decodeData(t, resp, &history)
	assert.Len(t, history, 2)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))
	w, resp = doJSON(t, mux, http.MethodPost, "/api/v1/config/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "config reload failed")
}

func TestConfigHandler_RegisterWrapsRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))
	reloader := config.NewReloader(config.NewLoader(), path, config.DefaultConfig())

	deny := func(http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) }
	}
	mux := http.NewServeMux()
	NewConfigHandler(reloader, nil).Register(mux, deny)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
