package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/integration/status")

	req := httptest.NewRequest(http.MethodGet, "/integration/status", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `integration_http_requests_total{code="418",route="/integration/status"} 1`) {
		t.Fatalf("expected request counter, got: %s", body)
	}
}

func TestMetricsDeliveryCounters(t *testing.T) {
	metrics := NewMetrics()

	metrics.EventPublished("sale.completed", 3)
	metrics.AttemptRecorded("success", 20*time.Millisecond)
	metrics.AttemptRecorded("transient_failure", 0)
	metrics.AttemptDeferred("circuit_open")
	metrics.Pruned(4)
	metrics.Recovered(2)

	body := scrape(t, metrics)
	for _, want := range []string{
		`integration_events_published_total{event_type="sale.completed"} 1`,
		`integration_deliveries_created_total{event_type="sale.completed"} 3`,
		`integration_delivery_attempts_total{outcome="success"} 1`,
		`integration_delivery_attempts_total{outcome="transient_failure"} 1`,
		`integration_delivery_deferrals_total{reason="circuit_open"} 1`,
		`integration_ledger_pruned_total 4`,
		`integration_deliveries_recovered_total 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.EventPublished("stock.low", 1)
	m.AttemptRecorded("success", time.Second)
	m.AttemptDeferred("rate_limited")
	m.Pruned(1)
	m.Recovered(1)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics handler, got %d", rr.Code)
	}
}
