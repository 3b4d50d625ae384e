package mw

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// DefaultIdle is how long an unused bucket is kept.
const DefaultIdle = 10 * time.Minute

// KeyedLimiter keeps one token bucket per key, usually a client IP. It
// admits HTTP requests on the admin API and device TCP connections. Buckets
// unused for the idle period are evicted so that scanners do not grow it
// without bound.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets *cache.Cache
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

// NewKeyedLimiter allows limit events per second per key with the given
// burst. idle <= 0 uses DefaultIdle.
func NewKeyedLimiter(limit rate.Limit, burst int, idle time.Duration) *KeyedLimiter {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &KeyedLimiter{
		buckets: cache.New(idle, idle),
		limit:   limit,
		burst:   burst,
		idle:    idle,
	}
}

// bucket returns the bucket for key and pushes back its eviction.
func (l *KeyedLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b *rate.Limiter
	if v, ok := l.buckets.Get(key); ok {
		b = v.(*rate.Limiter)
	} else {
		b = rate.NewLimiter(l.limit, l.burst)
	}
	l.buckets.Set(key, b, l.idle)
	return b
}

// Allow reports whether one more event for key fits its rate.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Len returns the number of live buckets.
func (l *KeyedLimiter) Len() int {
	return l.buckets.ItemCount()
}

// retryAfter is the whole number of seconds until the next token.
func (l *KeyedLimiter) retryAfter() int {
	if l.limit == rate.Inf || l.limit <= 0 {
		return 1
	}
	return int(math.Ceil(1 / float64(l.limit)))
}

// RateLimit rejects requests from a client IP over its rate with 429 and a
// Retry-After header.
func RateLimit(l *KeyedLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(l.retryAfter()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	}
}
