package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/accountguard/accountguard/internal/identity"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func newGuardRouter(t *testing.T, actionType string) *gin.Engine {
	t.Helper()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Options{
		Quotas: map[string]ratelimit.Quota{
			"data_export": {MaxRequests: 2, WindowMinutes: 60},
		},
	})

	r := gin.New()
	p := &identity.Principal{UserID: "user-1", Role: "member"}
	r.POST("/export", withPrincipal(p), ActionGuard(limiter, actionType), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	return r
}

// ---------------------------------------------------------------------------
// ActionGuard
// ---------------------------------------------------------------------------

func TestActionGuard_AllowsWithinQuota(t *testing.T) {
	r := newGuardRouter(t, "data_export")

	w := serve(r, httptest.NewRequest(http.MethodPost, "/export", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", got)
	}
	if w.Header().Get("Retry-After") != "" {
		t.Error("Retry-After must not be set on an allowed request")
	}
}

func TestActionGuard_DeniesOverQuota(t *testing.T) {
	r := newGuardRouter(t, "data_export")
	serve(r, httptest.NewRequest(http.MethodPost, "/export", nil))
	serve(r, httptest.NewRequest(http.MethodPost, "/export", nil))

	w := serve(r, httptest.NewRequest(http.MethodPost, "/export", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	body := decodeJSON(t, w)
	if body["code"] != "rate_limited" || body["action_type"] != "data_export" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["max_requests"] != float64(2) || body["window_minutes"] != float64(60) {
		t.Errorf("quota fields wrong: %v", body)
	}
	if retry, _ := body["retry_after_seconds"].(float64); retry <= 0 || retry > 3600 {
		t.Errorf("retry_after_seconds = %v, want within (0, 3600]", body["retry_after_seconds"])
	}
}

func TestActionGuard_UnknownActionType(t *testing.T) {
	r := newGuardRouter(t, "launch_missiles")

	w := serve(r, httptest.NewRequest(http.MethodPost, "/export", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := decodeJSON(t, w)["code"]; got != "rate_limit_error" {
		t.Errorf("code = %v, want rate_limit_error", got)
	}
}

func TestWriteDecision_FailedOpenSkipsHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	if !WriteDecision(c, ratelimit.Decision{Allowed: true, FailedOpen: true, MaxRequests: 5}) {
		t.Fatal("failed-open decision must allow")
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("failed-open decision must not advertise a limit")
	}
}
