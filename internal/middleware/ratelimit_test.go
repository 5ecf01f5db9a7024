package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"triggerflow/internal/config"
	appmetrics "triggerflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(l *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/triggers", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func fire(r *gin.Engine, header map[string]string) int {
	req := httptest.NewRequest(http.MethodPost, "/triggers", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(config.RateLimitingConfig{Enabled: false, RequestsPerMinute: 1, Burst: 1}, "triggers")
	r := newLimitedRouter(l)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusAccepted, fire(r, nil))
	}
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	appmetrics.Reset()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 60, Burst: 2}, "triggers")
	l.now = func() time.Time { return now }
	r := newLimitedRouter(l)

	assert.Equal(t, http.StatusAccepted, fire(r, nil))
	assert.Equal(t, http.StatusAccepted, fire(r, nil))
	assert.Equal(t, http.StatusTooManyRequests, fire(r, nil))

	total, by := appmetrics.RateLimitSnapshot()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), by["triggers"])

	// 60 rpm 即每秒一个令牌
	now = now.Add(time.Second)
	assert.Equal(t, http.StatusAccepted, fire(r, nil))
}

func TestRateLimiter_KeyHeaderSeparatesCallers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewRateLimiter(config.RateLimitingConfig{
		Enabled: true, RequestsPerMinute: 60, Burst: 1, KeyHeader: "X-Api-Key",
	}, "triggers")
	l.now = func() time.Time { return now }
	r := newLimitedRouter(l)

	assert.Equal(t, http.StatusAccepted, fire(r, map[string]string{"X-Api-Key": "crm"}))
	assert.Equal(t, http.StatusTooManyRequests, fire(r, map[string]string{"X-Api-Key": "crm"}))
	assert.Equal(t, http.StatusAccepted, fire(r, map[string]string{"X-Api-Key": "billing"}))
}

func TestRateLimiter_Whitelist(t *testing.T) {
	l := NewRateLimiter(config.RateLimitingConfig{
		Enabled: true, RequestsPerMinute: 1, Burst: 1, WhitelistIPs: []string{"10.0.0.1"},
	}, "triggers")
	r := newLimitedRouter(l)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusAccepted, fire(r, nil))
	}
}
