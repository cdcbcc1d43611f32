package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lurkbot/internal/handlers"
	"lurkbot/internal/metrics"
	"lurkbot/internal/middleware"
	"lurkbot/internal/models"
)

type status struct{}

func (status) Status() models.LoopStatus { return models.LoopStatus{ChannelID: "general"} }

func newTestRouter(t *testing.T, secret string) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.MustNewMetrics(reg)
	return New(Deps{
		Logger:  zap.NewNop(),
		Auth:    middleware.NewOperatorAuth(secret),
		Limiter: middleware.NewRateLimiter(100, time.Minute),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Status:  handlers.NewStatusHandler(status{}),
		Events:  handlers.NewEventsHandler(nil, "general", zap.NewNop()),
	})
}

func get(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PublicRoutes(t *testing.T) {
	h := newTestRouter(t, "s3cret")

	assert.Equal(t, http.StatusOK, get(h, "/health", "").Code)

	rec := get(h, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lurkbot_generation_rotations_total")

	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/api/v1/ws", "").Code)
}

func TestRouter_OperatorRoutesRequireToken(t *testing.T) {
	h := newTestRouter(t, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, get(h, "/api/v1/status", "").Code)

	token, err := middleware.NewOperatorAuth("s3cret").Mint("alice", time.Minute)
	require.NoError(t, err)

	rec := get(h, "/api/v1/status", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"channel_id":"general"`)

	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/api/v1/events", token).Code)
}

func TestRouter_OpenWithoutSecret(t *testing.T) {
	h := newTestRouter(t, "")
	assert.Equal(t, http.StatusOK, get(h, "/api/v1/status", "").Code)
}
