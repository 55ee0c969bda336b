package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/evetabi/auction/internal/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Keys
// ──────────────────────────────────────────────────────────────────────────────

// LimitKey picks the bucket a request is charged to.
type LimitKey func(c *gin.Context) string

// ByClientIP charges the caller's address. Used on the public auth routes.
func ByClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// ByBidder charges the authenticated user, so one bidder cannot spread a
// burst over several addresses. Falls back to the address when the JWT
// middleware has not run.
func ByBidder(c *gin.Context) string {
	if id := GetUserID(c); id != uuid.Nil {
		return "user:" + id.String()
	}
	return ByClientIP(c)
}

// ──────────────────────────────────────────────────────────────────────────────
// RateLimiter
// ──────────────────────────────────────────────────────────────────────────────

const (
	minBurst      = 10
	idleAfter     = 10 * time.Minute
	sweepInterval = 5 * time.Minute
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a token bucket per key, refilled at rate tokens per second
// up to burst. Idle buckets are dropped lazily on later calls.
type RateLimiter struct {
	clock clock.Clock
	rate  float64
	burst float64

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewRateLimiter allows rps requests per second per key with a burst of
// max(10, rps).
func NewRateLimiter(rps int, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		clock:     clk,
		rate:      float64(rps),
		burst:     math.Max(minBurst, float64(rps)),
		buckets:   make(map[string]*bucket),
		lastSweep: clk.Now(),
	}
}

// Allow charges one token to key. When the bucket is empty it returns false
// and how long until the next token is available.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweepLocked(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// Len returns the number of live buckets.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= idleAfter {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

// Middleware rejects requests over the limit with 429 and a Retry-After in
// whole seconds.
func (l *RateLimiter) Middleware(key LimitKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(key(c))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "too many requests, please slow down",
				"code":    "ERR_RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware limits each key to rps requests per second on the real
// clock. rps <= 0 disables limiting.
func RateLimitMiddleware(rps int, key LimitKey) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return NewRateLimiter(rps, clock.Real{}).Middleware(key)
}
