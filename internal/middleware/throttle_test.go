package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestClientThrottle_BurstThenDeny(t *testing.T) {
	th := NewClientThrottle(60, 3)
	defer th.Stop()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	for i := range 3 {
		if ok, _ := th.Allow("198.51.100.1"); !ok {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	ok, retry := th.Allow("198.51.100.1")
	if ok {
		t.Fatal("expected denial after burst")
	}
	if retry != 1 {
		t.Errorf("retry = %d, want 1", retry)
	}
	if ok, _ := th.Allow("198.51.100.2"); !ok {
		t.Error("other clients must have their own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := th.Allow("198.51.100.1"); !ok {
		t.Error("expected a token after one second at 60/min")
	}
}

func TestClientThrottle_EvictIdle(t *testing.T) {
	th := NewClientThrottle(60, 1)
	defer th.Stop()
	now := time.Now()
	th.now = func() time.Time { return now }

	th.Allow("a")
	now = now.Add(throttleIdleTTL + time.Minute)
	th.evictIdle()

	th.mu.Lock()
	n := len(th.buckets)
	th.mu.Unlock()
	if n != 0 {
		t.Errorf("buckets = %d, want 0 after eviction", n)
	}
}

func TestClientThrottle_Middleware(t *testing.T) {
	th := NewClientThrottle(1, 1)
	defer th.Stop()

	r := gin.New()
	r.GET("/login", th.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := serve(r, httptest.NewRequest(http.MethodGet, "/login", nil)); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := serve(r, httptest.NewRequest(http.MethodGet, "/login", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
