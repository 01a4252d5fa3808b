package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybill/relaybill/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		GatewayTimeout:   config.DefaultGatewayTimeout,
		SweepInterval:    config.DefaultSweepInterval,
		ExpiryInterval:   config.DefaultExpiryInterval,
		SweepBatchSize:   config.DefaultSweepBatchSize,
		DeadLetterWindow: config.DefaultDeadLetterWindow,
		ReloadCooldown:   config.DefaultReloadCooldown,
		ReloadBatchSize:  config.DefaultReloadBatchSize,
		OrphanGrace:      config.DefaultOrphanGrace,
		AdminSecret:      "hunter2",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig())
	require.NoError(t, err)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["sweeping"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relaybill_reconcile")
}

func TestAdminSweepRequiresSecret(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/sweep", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/sweep", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin/sweep", nil)
	req.Header.Set("X-Admin-Secret", "hunter2")
	srv.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Sweep struct {
			Settled int `json:"settled"`
		} `json:"sweep"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 0, result.Sweep.Settled)
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = ""
	srv, err := New(cfg)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/expire", nil)
	req.Header.Set("X-Admin-Secret", "")
	srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminExpire(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/expire", nil)
	req.Header.Set("X-Admin-Secret", "hunter2")
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(0), body["expired"])
}

func TestNewUsesDevGatewayWithoutStripeKey(t *testing.T) {
	srv := newTestServer(t)

	// The dev gateway always succeeds; a sweep through the full wiring
	// must come back clean.
	result := srv.runner.RunAll(t.Context())
	assert.Equal(t, 0, result.Sweep.StepErrors)
}

func TestTimersStartAndStop(t *testing.T) {
	srv := newTestServer(t)

	go srv.sweepTimer.Start(t.Context())
	require.Eventually(t, srv.sweepTimer.Running, time.Second, 10*time.Millisecond)

	srv.sweepTimer.Stop()
	require.Eventually(t, func() bool { return !srv.sweepTimer.Running() }, time.Second, 10*time.Millisecond)
}
