package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"triggerflow/internal/config"
	appmetrics "triggerflow/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket is a token bucket refilled continuously at ratePerSec.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// RateLimiter 按调用方 (header 或 IP) 分桶限流
type RateLimiter struct {
	cfg    config.RateLimitingConfig
	label  string
	now    func() time.Time
	mu     sync.Mutex
	bucket map[string]*tokenBucket
}

func NewRateLimiter(cfg config.RateLimitingConfig, label string) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		label:  label,
		now:    time.Now,
		bucket: make(map[string]*tokenBucket),
	}
}

func (l *RateLimiter) key(c *gin.Context) string {
	if l.cfg.KeyHeader != "" {
		if v := c.GetHeader(l.cfg.KeyHeader); v != "" {
			if strings.EqualFold(l.cfg.KeyHeader, "X-Forwarded-For") {
				return strings.TrimSpace(strings.Split(v, ",")[0])
			}
			return v
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

func (l *RateLimiter) get(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.bucket[key]; ok {
		return b
	}
	b := newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst, l.now())
	l.bucket[key] = b
	return b
}

func (l *RateLimiter) whitelisted(ip string) bool {
	for _, w := range l.cfg.WhitelistIPs {
		if w == ip {
			return true
		}
	}
	return false
}

// Middleware returns the gin handler. Disabled config yields a pass-through.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	if !l.cfg.Enabled || l.cfg.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if l.whitelisted(c.ClientIP()) {
			c.Next()
			return
		}
		if !l.get(l.key(c)).allow(l.now()) {
			appmetrics.IncRateLimitDrop(l.label)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware builds a limiter from cfg.Security.RateLimiting.
func RateLimitMiddleware(cfg *config.Config, label string) gin.HandlerFunc {
	return NewRateLimiter(cfg.Security.RateLimiting, label).Middleware()
}
