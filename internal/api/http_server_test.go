package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slotwatch/internal/config"
	"slotwatch/internal/database"
	"slotwatch/internal/health"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"
	"slotwatch/internal/pool"
	"slotwatch/internal/registry"
	"slotwatch/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const testKey = "secret-key"

type staticPool struct{ stats pool.Stats }

func (p staticPool) Stats() pool.Stats { return p.stats }

type env struct {
	db  *database.DB
	reg *registry.Registry
	ts  *httptest.Server
}

func testConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			APIKeys:      []string{"other-key", testKey},
		},
		RateLimit: config.APIRateLimitConfig{RPS: 100, Burst: 100},
	}
}

func newEnv(t *testing.T, cfg config.APIConfig) *env {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	targets := []models.Target{
		{ID: "tokyo", Name: "Tokyo Immigration", System: models.GovernmentOffice{Prefecture: "tokyo"}, Tier: 1,
			Recipe: models.Recipe{"check_url": "x"}},
		{ID: "vfs-it", Name: "VFS Italy", System: models.VisaCenter{Provider: "vfs", Country: "it"}, Tier: 3,
			Recipe: models.Recipe{"check_url": "y"}},
	}
	require.NoError(t, db.SyncTargets(context.Background(), targets))
	reg, err := registry.New(targets)
	require.NoError(t, err)

	mon := health.New(db, repository.NewMemoryStateStore(), nil, health.Options{}, &logger)
	srv := NewHTTPServer(cfg, true, Deps{
		Store:   db,
		Catalog: reg,
		Health:  mon,
		Pool:    staticPool{stats: pool.Stats{Capacity: 4, Active: 1, Idle: 2}},
	}, &logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{db: db, reg: reg, ts: ts}
}

func (e *env) do(t *testing.T, method, path, key string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthzIsPublic(t *testing.T) {
	e := newEnv(t, testConfig())
	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestAuth(t *testing.T) {
	e := newEnv(t, testConfig())

	resp := e.do(t, http.MethodGet, "/api/v1/pool", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/pool", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/pool", testKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats pool.Stats
	decode(t, resp, &stats)
	assert.Equal(t, pool.Stats{Capacity: 4, Active: 1, Idle: 2}, stats)
}

func TestAuthDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = false
	e := newEnv(t, cfg)

	resp := e.do(t, http.MethodGet, "/api/v1/pool", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitPerKey(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	e := newEnv(t, cfg)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/pool", testKey, nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodGet, "/api/v1/pool", testKey, nil).StatusCode)
	// a different key has its own budget
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/pool", "other-key", nil).StatusCode)
}

func TestListTargets(t *testing.T) {
	e := newEnv(t, testConfig())
	_, err := e.db.RecordCheckError(context.Background(), "vfs-it", time.Now(), 1)
	require.NoError(t, err)
	require.NoError(t, e.reg.SetAllowList([]string{"vfs-it"}))

	resp := e.do(t, http.MethodGet, "/api/v1/targets", testKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Targets []TargetView `json:"targets"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Targets, 2)

	assert.Equal(t, "tokyo", body.Targets[0].ID)
	assert.Equal(t, models.KindGovernmentOffice, body.Targets[0].Kind)
	assert.Equal(t, models.TargetActive, body.Targets[0].Status)
	assert.False(t, body.Targets[0].Allowed)

	assert.Equal(t, models.TargetPausedError, body.Targets[1].Status)
	assert.Equal(t, 1, body.Targets[1].ConsecutiveErrors)
	assert.True(t, body.Targets[1].Allowed)
	assert.NotNil(t, body.Targets[1].PausedAt)
}

func TestResumeTarget(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	_, err := e.db.MarkCaptchaBlocked(ctx, "tokyo", time.Now())
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/api/v1/targets/tokyo/resume", testKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h, err := e.db.GetTargetHealth(ctx, "tokyo")
	require.NoError(t, err)
	assert.Equal(t, models.TargetActive, h.Status)

	resp = e.do(t, http.MethodPost, "/api/v1/targets/nope/resume", testKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/v1/targets/tokyo/resume", testKey, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAllowList(t *testing.T) {
	e := newEnv(t, testConfig())

	resp := e.do(t, http.MethodPut, "/api/v1/allowlist", testKey, strings.NewReader(`{"targets":["tokyo"]}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body AllowListRequest
	decode(t, resp, &body)
	assert.Equal(t, []string{"tokyo"}, body.Targets)
	assert.False(t, e.reg.Allowed("vfs-it"))

	resp = e.do(t, http.MethodPut, "/api/v1/allowlist", testKey, strings.NewReader(`{"targets":["ghost"]}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, e.reg.Allowed("vfs-it"))

	resp = e.do(t, http.MethodPut, "/api/v1/allowlist", testKey, strings.NewReader(`{"target":["tokyo"]}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPut, "/api/v1/allowlist", testKey, strings.NewReader(`{"targets":[]}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, e.reg.Allowed("vfs-it"))

	resp = e.do(t, http.MethodGet, "/api/v1/allowlist", testKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &body)
	assert.Empty(t, body.Targets)
}

func TestExportDetections(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	now := time.Now().UTC()
	for _, d := range []*models.Detection{
		{TargetID: "tokyo", Slot: models.Slot{Date: "2026-11-02", Time: "09:00", Count: 2}, MatchedClients: 2, DetectedAt: now.Add(-time.Hour)},
		{TargetID: "vfs-it", Slot: models.Slot{Date: "2026-11-05"}, DetectedAt: now.Add(-30 * 24 * time.Hour)},
	} {
		require.NoError(t, e.db.CreateDetection(ctx, d))
	}

	resp := e.do(t, http.MethodGet, "/api/v1/detections/export?since="+now.AddDate(0, 0, -1).Format("2006-01-02"), testKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, xlsxContentType, resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "detections_")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(detectionsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, detectionColumns, rows[1])
	assert.Equal(t, []string{"Tokyo Immigration", "tokyo", "2026-11-02", "09:00", "2", "2"}, rows[2][1:])

	resp = e.do(t, http.MethodGet, "/api/v1/detections/export?since=yesterday", testKey, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	e := newEnv(t, testConfig())
	e.do(t, http.MethodGet, "/api/v1/pool", testKey, nil)

	resp := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `slotwatch_http_requests_total{endpoint="GET /api/v1/pool"}`)
}
