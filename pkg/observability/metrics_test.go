package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if metrics.AuthzDecisionsTotal == nil {
		t.Fatal("AuthzDecisionsTotal is nil")
	}
	if metrics.KeyRefreshTotal == nil {
		t.Fatal("KeyRefreshTotal is nil")
	}

	defer func() {
		if recover() == nil {
			t.Error("registering twice should panic")
		}
	}()
	NewMetrics(registry)
}

func TestMetrics_RecordDecision(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordDecision("tenant:read", "allow", "", 3*time.Millisecond)
	metrics.RecordDecision("tenant:read", "deny", "not_a_member", time.Millisecond)
	metrics.RecordDecision("tenant:read", "deny", "not_a_member", time.Millisecond)

	if got := testutil.ToFloat64(metrics.AuthzDecisionsTotal.WithLabelValues("tenant:read", "allow", "")); got != 1 {
		t.Errorf("allow count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.AuthzDecisionsTotal.WithLabelValues("tenant:read", "deny", "not_a_member")); got != 2 {
		t.Errorf("deny count = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(metrics.AuthzDecisionDuration); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestMetrics_RecordKeyRefresh(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.RecordKeyRefresh(3, nil)
	metrics.RecordKeyRefresh(0, errors.New("fetch failed"))

	if got := testutil.ToFloat64(metrics.KeyRefreshTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.KeyRefreshTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.KeySetSize); got != 3 {
		t.Errorf("key set size = %v, want 3 (failed refresh must not reset it)", got)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var metrics *Metrics
	metrics.RecordDecision("x", "allow", "", time.Second)
	metrics.RecordBypass("x")
	metrics.RecordIdentity("token", "ok")
	metrics.RecordKeyRefresh(1, nil)
	metrics.RecordAuditError("authz.denied")
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/api/tenants/{tenant_slug}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	for _, slug := range []string{"acme", "globex"} {
		req := httptest.NewRequest(http.MethodGet, "/api/tenants/"+slug, nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/tenants/{tenant_slug}", "403"))
	if got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}

	srv := httptest.NewServer(MetricsHandler(registry))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tenantguard_http_requests_total") {
		t.Error("exposition should contain tenantguard_http_requests_total")
	}
}
