package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/cache/memory"
	"github.com/alanyoungcy/loopvault/internal/server/handler"
)

const frank = "0xffffffffffffffffffffffffffffffffffffffff"

func testHandler(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := memory.NewProjectionCache()
	return NewHandler(cfg, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"bus": func(context.Context) error { return nil },
		}, logger),
		Status:    handler.NewStatusHandler("reactive", time.Now(), nil),
		Positions: handler.NewPositionHandler(nil, cache, logger),
	}, nil, memory.NewRateLimiter(), logger)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	h := testHandler(t, Config{APIKey: "secret"})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bus":"ok"`)
}

func TestCommandsNeedAPIKey(t *testing.T) {
	h := testHandler(t, Config{APIKey: "secret"})
	path := "/api/positions/" + frank + "/unwind"

	rec := serve(h, httptest.NewRequest(http.MethodPost, path, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("X-API-Key", "secret")
	// Authenticated, but this process has no controllers.
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, req).Code)
}

func TestCommandsAreRateLimited(t *testing.T) {
	h := testHandler(t, Config{RateLimit: 2, RateWindow: time.Minute})
	path := "/api/positions/" + frank + "/continue"

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		codes = append(codes, serve(h, req).Code)
	}
	assert.Equal(t, []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusTooManyRequests}, codes)

	// Reads are not limited.
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := testHandler(t, Config{CORSOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/positions/"+frank+"/deposit", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(h, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTrackersWithoutDispatcher(t *testing.T) {
	h := testHandler(t, Config{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/trackers", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"mode":"reactive"`))
}
