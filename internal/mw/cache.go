package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// CacheHeader reports HIT or MISS on cacheable responses.
const CacheHeader = "X-Cache"

// ResponseCache keeps successful GET responses in memory for a fixed TTL,
// keyed by path and query.
type ResponseCache struct {
	entries *cache.Cache
	ttl     time.Duration
}

type entry struct {
	status int
	header http.Header
	body   []byte
}

// NewResponseCache caches responses for ttl. A ttl <= 0 disables caching.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	cleanup := 2 * ttl
	if ttl <= 0 {
		cleanup = 0
	}
	return &ResponseCache{entries: cache.New(ttl, cleanup), ttl: ttl}
}

// Flush drops every cached response.
func (rc *ResponseCache) Flush() {
	rc.entries.Flush()
}

// recorder tees the response body so that it can be stored.
type recorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *recorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Handler returns the caching middleware. A request carrying
// "Cache-Control: no-cache" skips the lookup but refreshes the entry.
func (rc *ResponseCache) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rc.ttl <= 0 || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if !noCache(c.Request) {
			if v, ok := rc.entries.Get(key); ok {
				rc.replay(c, v.(*entry))
				return
			}
		}

		rec := &recorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Header(CacheHeader, "MISS")
		c.Next()

		status := rec.Status()
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			rc.entries.Delete(key)
			return
		}
		rc.entries.Set(key, &entry{
			status: status,
			header: rec.Header().Clone(),
			body:   append([]byte(nil), rec.buf.Bytes()...),
		}, rc.ttl)
	}
}

func (rc *ResponseCache) replay(c *gin.Context, e *entry) {
	h := c.Writer.Header()
	for k, v := range e.header {
		h[k] = append([]string(nil), v...)
	}
	h.Set(CacheHeader, "HIT")
	c.Writer.WriteHeader(e.status)
	c.Writer.Write(e.body)
	c.Abort()
}

func noCache(r *http.Request) bool {
	for _, v := range r.Header.Values("Cache-Control") {
		if strings.Contains(strings.ToLower(v), "no-cache") {
			return true
		}
	}
	return false
}
