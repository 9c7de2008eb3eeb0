package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/services"
)

type routerSystemStub struct{}

func (routerSystemStub) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return services.SystemHealthReport{Status: domain.HealthStatusOK, Ready: true}, nil
}

func noContent(path string) RouteRegistrar {
	return func(r chi.Router) {
		r.Get(path, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}
}

func routeRequest(router http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func errorCodeOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body, got %q", rr.Body.String())
	}
	return body.Error
}

func TestRouterServesHealthChecksAtRoot(t *testing.T) {
	health := NewHealthHandlers(
		WithHealthSystemService(routerSystemStub{}),
		WithHealthClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }),
	)
	router := NewRouter(WithHealthHandlers(health), WithBasePath("/api/v1"),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("foodorder_http_requests_total 1\n"))
		})))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rr := routeRequest(router, http.MethodGet, path); rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestRouterMountsGroupsUnderBasePath(t *testing.T) {
	router := NewRouter(
		WithBasePath("api/v1/"),
		WithGroup("product", noContent("/")),
		WithGroup("/order/", noContent("/{orderID}")),
	)

	cases := map[string]int{
		"/api/v1/product":     http.StatusNoContent,
		"/api/v1/product/":    http.StatusNoContent,
		"/api/v1/order/ord_1": http.StatusNoContent,
		"/product":            http.StatusNotFound,
	}
	for target, want := range cases {
		if rr := routeRequest(router, http.MethodGet, target); rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", target, want, rr.Code)
		}
	}
}

func TestRouterJSONErrors(t *testing.T) {
	router := NewRouter(WithGroup("/order", noContent("/")))

	rr := routeRequest(router, http.MethodGet, "/does/not/exist")
	if rr.Code != http.StatusNotFound || errorCodeOf(t, rr) != "route_not_found" {
		t.Fatalf("expected route_not_found, got %d %s", rr.Code, rr.Body.String())
	}

	rr = routeRequest(router, http.MethodDelete, "/order/")
	if rr.Code != http.StatusMethodNotAllowed || errorCodeOf(t, rr) != "method_not_allowed" {
		t.Fatalf("expected method_not_allowed, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestRouterGroupMiddlewareStaysInGroup(t *testing.T) {
	tag := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Group", "internal")
			next.ServeHTTP(w, r)
		})
	}
	router := NewRouter(
		WithGroup("/internal", noContent("/payments/reconcile"), tag),
		WithGroup("/order", noContent("/")),
	)

	if rr := routeRequest(router, http.MethodGet, "/internal/payments/reconcile"); rr.Header().Get("X-Group") != "internal" {
		t.Fatal("expected group middleware on /internal")
	}
	if rr := routeRequest(router, http.MethodGet, "/order/"); rr.Header().Get("X-Group") != "" {
		t.Fatal("group middleware leaked into /order")
	}
}

func TestRouterIgnoresNilGroups(t *testing.T) {
	router := NewRouter(WithGroup("/client", nil))
	if rr := routeRequest(router, http.MethodGet, "/client/"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected unmounted group to 404, got %d", rr.Code)
	}
}
