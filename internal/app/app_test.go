package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzverkov/kioskops-relay/internal/config"
	"github.com/pzverkov/kioskops-relay/internal/queue"
)

func newTestApp(t *testing.T, metricsEnabled bool) *App {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DBPath = filepath.Join(dir, "queue.db")
	cfg.Storage.SecretPath = filepath.Join(dir, "install.secret")
	cfg.Metrics.Enabled = metricsEnabled
	require.NoError(t, cfg.Validate())

	a, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.metricsCancel()
		_ = a.db.Close()
	})
	return a
}

func TestApp_MetricsRouter(t *testing.T) {
	a := newTestApp(t, true)
	handler := a.MetricsHandler()
	require.NotNil(t, handler)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{path: "/healthz", wantStatus: http.StatusOK},
		{path: "/readyz", wantStatus: http.StatusOK},
		{path: "/version", wantStatus: http.StatusOK},
		{path: "/metrics", wantStatus: http.StatusOK},
		{path: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestApp_VersionEndpoint(t *testing.T) {
	a := newTestApp(t, true)

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "commit")
	assert.Contains(t, body, "build_date")
}

func TestApp_MetricsDisabled(t *testing.T) {
	a := newTestApp(t, false)
	assert.Nil(t, a.MetricsHandler())
}

func TestApp_StoreEnqueue(t *testing.T) {
	a := newTestApp(t, false)

	res, err := a.Store().Enqueue(context.Background(), queue.EnqueueRequest{
		Type:    "SCAN",
		Payload: []byte(`{"item":"sku-1"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}
