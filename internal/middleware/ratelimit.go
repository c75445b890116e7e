package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter provides per-client token bucket rate limiting. Clients are
// keyed by token subject when authenticated, by IP otherwise.
type RateLimiter struct {
	rate    float64 // Tokens per second
	burst   int     // Maximum burst size
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 // Token refill rate
	Burst             int     // Maximum burst size
}

// DefaultRateLimitConfig returns default rate limit configuration.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 10.0,
		Burst:             20,
	}
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		rate:    config.RequestsPerSecond,
		burst:   config.Burst,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow takes one token for key. It returns the tokens left and, when the
// request is refused, how long until a token is available.
func (r *RateLimiter) Allow(key string) (remaining int, retryAfter time.Duration, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket, exists := r.buckets[key]
	if !exists {
		bucket = &tokenBucket{tokens: float64(r.burst), lastRefill: now}
		r.buckets[key] = bucket
	}

	bucket.tokens = math.Min(float64(r.burst), bucket.tokens+now.Sub(bucket.lastRefill).Seconds()*r.rate)
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return int(bucket.tokens), 0, true
	}

	wait := time.Duration((1 - bucket.tokens) / r.rate * float64(time.Second))
	return 0, wait, false
}

// GinMiddleware returns the Gin middleware for rate limiting.
func (r *RateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		remaining, retryAfter, allowed := r.Allow(rateLimitKey(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(r.burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "too many requests, please retry later",
				"code":        "RATE_LIMIT_EXCEEDED",
				"retry_after": retryAfter.Seconds(),
			})
			return
		}

		c.Next()
	}
}

func rateLimitKey(c *gin.Context) string {
	if subject, ok := GetSubject(c); ok && subject != "" {
		return "sub:" + subject
	}
	return "ip:" + c.ClientIP()
}

// ConnectionLimiter limits concurrent connections per IP.
type ConnectionLimiter struct {
	connections map[string]int
	mu          sync.Mutex
	limit       int
}

// NewConnectionLimiter creates a new connection limiter.
func NewConnectionLimiter(limit int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		limit:       limit,
	}
}

// Acquire reserves a connection slot for ip.
func (l *ConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connections[ip] >= l.limit {
		return false
	}
	l.connections[ip]++
	return true
}

// Release removes a connection for an IP.
func (l *ConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, exists := l.connections[ip]; exists && count > 0 {
		l.connections[ip]--
		if l.connections[ip] == 0 {
			delete(l.connections, ip)
		}
	}
}

// Count returns the current connection count for an IP.
func (l *ConnectionLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connections[ip]
}
