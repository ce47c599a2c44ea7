package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/accountguard/accountguard/internal/safego"
	"github.com/gin-gonic/gin"
)

const (
	throttleIdleTTL         = 10 * time.Minute
	throttleCleanupInterval = 5 * time.Minute
)

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// ClientThrottle is an in-memory token bucket keyed by client IP. It protects the
// unauthenticated login routes, where no user id exists to count against.
type ClientThrottle struct {
	perMinute int
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
	stop    sync.Once
}

// NewClientThrottle starts a throttle allowing perMinute requests with the given burst
func NewClientThrottle(perMinute, burst int) *ClientThrottle {
	t := &ClientThrottle{
		perMinute: perMinute,
		burst:     burst,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		stopCh:    make(chan struct{}),
	}
	safego.Go("client-throttle-cleanup", t.cleanup)
	return t
}

func (t *ClientThrottle) cleanup() {
	ticker := time.NewTicker(throttleCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.evictIdle()
		case <-t.stopCh:
			return
		}
	}
}

func (t *ClientThrottle) evictIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, b := range t.buckets {
		if now.Sub(b.lastUpdate) > throttleIdleTTL {
			delete(t.buckets, key)
		}
	}
}

// Stop ends the cleanup goroutine
func (t *ClientThrottle) Stop() {
	t.stop.Do(func() { close(t.stopCh) })
}

// Allow takes one token for key. When empty it returns the seconds until the next token.
func (t *ClientThrottle) Allow(key string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rate := float64(t.perMinute) / 60
	b, ok := t.buckets[key]
	if !ok {
		t.buckets[key] = &bucket{tokens: float64(t.burst) - 1, lastUpdate: now}
		return true, 0
	}

	b.tokens = math.Min(float64(t.burst), b.tokens+now.Sub(b.lastUpdate).Seconds()*rate)
	b.lastUpdate = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, int(math.Ceil((1 - b.tokens) / rate))
}

// Middleware rejects throttled clients with 429 and Retry-After
func (t *ClientThrottle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retry := t.Allow(c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(retry))
			abortError(c, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		c.Next()
	}
}
