package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter counts requests per client IP over a fixed window. Counters
// reset together when the window rolls over, which is coarse but cheap and
// good enough for a single-instance deployment.
type RateLimiter struct {
	mu        sync.Mutex
	counts    map[string]int
	windowEnd time.Time
	rate      int
	window    time.Duration
}

func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts:    make(map[string]int),
		windowEnd: time.Now().Add(window),
		rate:      rate,
		window:    window,
	}
}

// Allow records one request for the client and reports whether it is within
// the limit, along with the seconds left in the current window.
func (l *RateLimiter) Allow(clientIP string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.windowEnd) {
		l.counts = make(map[string]int)
		l.windowEnd = now.Add(l.window)
	}
	retryAfter := int(l.windowEnd.Sub(now).Seconds()) + 1

	if l.counts[clientIP] >= l.rate {
		return false, retryAfter
	}
	l.counts[clientIP]++
	return true, retryAfter
}

// RateLimit rejects clients exceeding rate requests per window with a 429.
// A tighter instance of it guards /admin/login against password guessing.
func RateLimit(rate int, window time.Duration) gin.HandlerFunc {
	limiter := NewRateLimiter(rate, window)

	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		allowed, retryAfter := limiter.Allow(clientIP)
		if !allowed {
			slog.Warn("rate limit exceeded",
				"client_ip", clientIP,
				"path", c.Request.URL.Path,
				"request_id", GetRequestID(c),
			)

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}

		c.Next()
	}
}
