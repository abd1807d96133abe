package dashboard

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// defaultRate is sustained requests per second per client IP.
	defaultRate = 20
	// defaultBurst is the bucket capacity.
	defaultBurst = 40
)

// bucket is one client's token bucket.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// rateLimiter is a per-IP token bucket. A bucket is created on an IP's
// first request and kept for the life of the limiter; idle buckets are not
// removed.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
}

func newRateLimiter(rate, burst float64) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
	}
}

// allow consumes one token for ip, reporting whether the request may pass.
func (r *rateLimiter) allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	b, ok := r.buckets[ip]
	if !ok {
		b = &bucket{tokens: r.burst, lastRefill: now}
		r.buckets[ip] = b
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = minF(r.burst, b.tokens+elapsed*r.rate)
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (r *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/healthz" || path == "/ws" {
			c.Next()
			return
		}
		if !r.allow(clientIP(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"code": "RATE_LIMITED", "message": "too many requests"},
			})
			return
		}
		c.Next()
	}
}

// clientIP honours X-Forwarded-For for deployments behind a proxy.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	return c.ClientIP()
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
