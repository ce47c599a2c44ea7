package admin

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/stats"
	"github.com/accountguard/accountguard/internal/suspension"
	"github.com/gin-gonic/gin"
)

type fakeDashboards struct {
	gotTenant string
	gotDays   int
	err       error
}

func (f *fakeDashboards) Dashboard(_ context.Context, tenantID string, days int) (*stats.Dashboard, error) {
	f.gotTenant = tenantID
	f.gotDays = days
	if f.err != nil {
		return nil, f.err
	}
	if days < 1 || days > stats.MaxDays {
		return nil, stats.ErrInvalidRange
	}
	return &stats.Dashboard{Days: days, Current: stats.Current{Suspended: 2, Blocked: 1}}, nil
}

func newStatsRouter(source DashboardSource) *gin.Engine {
	return newStatsRouterAs(source, testUser("admin", "t1", models.RoleAdmin))
}

func newStatsRouterAs(source DashboardSource, u *models.User) *gin.Engine {
	r := gin.New()
	r.GET("/stats", asUser(u), NewStatsHandler(source).GetDashboard)
	return r
}

func TestGetDashboard_DefaultDays(t *testing.T) {
	src := &fakeDashboards{}
	w := do(newStatsRouter(src), http.MethodGet, "/stats", nil)
	wantStatus(t, w, http.StatusOK)

	if src.gotDays != 30 {
		t.Errorf("days = %d, want default 30", src.gotDays)
	}
	if src.gotTenant != "t1" {
		t.Errorf("tenant = %q, want the caller's tenant t1", src.gotTenant)
	}
	current, _ := getJSON(w)["current"].(map[string]interface{})
	if current["suspended"] != float64(2) || current["blocked"] != float64(1) {
		t.Errorf("unexpected current counts: %v", current)
	}
}

func TestGetDashboard_DayRange(t *testing.T) {
	tests := []struct {
		query      string
		wantStatus int
	}{
		{"?days=1", http.StatusOK},
		{"?days=365", http.StatusOK},
		{"?days=0", http.StatusBadRequest},
		{"?days=366", http.StatusBadRequest},
		{"?days=abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(newStatsRouter(&fakeDashboards{}), http.MethodGet, "/stats"+tt.query, nil)
			wantStatus(t, w, tt.wantStatus)
			if tt.wantStatus == http.StatusBadRequest {
				wantCode(t, w, "invalid_range")
			}
		})
	}
}

func TestGetDashboard_Unauthenticated(t *testing.T) {
	src := &fakeDashboards{}
	w := do(newStatsRouterAs(src, nil), http.MethodGet, "/stats", nil)
	wantStatus(t, w, http.StatusUnauthorized)
	if src.gotDays != 0 {
		t.Error("dashboard must not be built without a principal")
	}
}

func TestGetDashboard_StoreDown(t *testing.T) {
	w := do(newStatsRouter(&fakeDashboards{err: errors.New("list history: timeout")}), http.MethodGet, "/stats", nil)
	wantStatus(t, w, http.StatusServiceUnavailable)
}

func TestGetDashboard_RealAggregator(t *testing.T) {
	users := standardUsers()
	store := suspension.NewMemoryStore()
	mgr := suspension.NewManager(store, users, suspension.Options{})
	if _, err := mgr.Suspend(context.Background(), "owner", "member", suspension.Request{Duration: "24h", Reason: "spam"}); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	w := do(newStatsRouterAs(stats.NewAggregator(store, nil, 0), users.users["owner"]), http.MethodGet, "/stats?days=7", nil)
	wantStatus(t, w, http.StatusOK)

	body := getJSON(w)
	if body["total_entries"] != float64(1) {
		t.Errorf("total_entries = %v, want 1", body["total_entries"])
	}
	if trend, _ := body["trend"].([]interface{}); len(trend) != 7 {
		t.Errorf("trend points = %d, want 7", len(trend))
	}
	if activity, ok := body["rate_limit_activity"].([]interface{}); !ok || len(activity) != 0 {
		t.Errorf("expected empty activity list, got %v", body["rate_limit_activity"])
	}
}

func TestGetDashboard_ScopedToCallerTenant(t *testing.T) {
	users := standardUsers()
	users.users["boss"] = testUser("boss", "t2", models.RoleOwner)
	store := suspension.NewMemoryStore()
	mgr := suspension.NewManager(store, users, suspension.Options{})
	ctx := context.Background()
	if _, err := mgr.Suspend(ctx, "owner", "member", suspension.Request{Duration: "24h", Reason: "spam"}); err != nil {
		t.Fatalf("Suspend t1: %v", err)
	}
	if _, err := mgr.Suspend(ctx, "boss", "outsider", suspension.Request{Duration: "permanent", Reason: "fraud"}); err != nil {
		t.Fatalf("Suspend t2: %v", err)
	}

	w := do(newStatsRouterAs(stats.NewAggregator(store, nil, 0), users.users["admin"]), http.MethodGet, "/stats?days=7", nil)
	wantStatus(t, w, http.StatusOK)

	body := getJSON(w)
	if body["total_entries"] != float64(1) {
		t.Errorf("total_entries = %v, want 1", body["total_entries"])
	}
	current, _ := body["current"].(map[string]interface{})
	if current["suspended"] != float64(1) || current["blocked"] != float64(0) {
		t.Errorf("current = %v, want only t1's suspension", current)
	}
	performers, _ := body["top_performers"].([]interface{})
	if len(performers) != 1 {
		t.Fatalf("top_performers = %v, want one entry", performers)
	}
	if email := performers[0].(map[string]interface{})["email"]; email != "owner@example.com" {
		t.Errorf("performer = %v, another tenant's administrator leaked", email)
	}
	reasons, _ := body["reasons"].([]interface{})
	for _, r := range reasons {
		if r.(map[string]interface{})["reason"] == "fraud" {
			t.Error("another tenant's reason leaked")
		}
	}
}
