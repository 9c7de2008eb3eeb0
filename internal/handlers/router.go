package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fastfood-order/api/internal/platform/httpx"
)

const requestTimeout = 60 * time.Second

// RouteRegistrar adds a resource's routes to the group it is mounted on.
type RouteRegistrar func(r chi.Router)

// mount is one resource group under the API base path.
type mount struct {
	prefix string
	routes RouteRegistrar
	use    []func(http.Handler) http.Handler
}

type routerSettings struct {
	basePath string
	global   []func(http.Handler) http.Handler
	health   *HealthHandlers
	metrics  http.Handler
	mounts   []mount
}

// Option configures NewRouter.
type Option func(*routerSettings)

// NewRouter builds the HTTP surface: health checks and metrics at the root, resource groups under
// the base path. Unknown paths and methods answer with the JSON error envelope.
func NewRouter(opts ...Option) chi.Router {
	s := routerSettings{
		global: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.CleanPath,
			middleware.Timeout(requestTimeout),
		},
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.health == nil {
		s.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range s.global {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	api := r
	if s.basePath != "" {
		api = chi.NewRouter()
		api.NotFound(routeNotFound)
		api.MethodNotAllowed(methodNotAllowed)
		r.Mount(s.basePath, api)
	}
	for _, m := range s.mounts {
		api.Route(m.prefix, func(group chi.Router) {
			for _, mw := range m.use {
				if mw != nil {
					group.Use(mw)
				}
			}
			m.routes(group)
		})
	}
	return r
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("route_not_found", "no route for "+r.URL.Path, http.StatusNotFound))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("method_not_allowed", r.Method+" is not allowed on "+r.URL.Path, http.StatusMethodNotAllowed))
}

// WithBasePath serves resource groups under path, e.g. "/api/v1". Health checks stay at the root.
func WithBasePath(path string) Option {
	return func(s *routerSettings) {
		path = strings.Trim(strings.TrimSpace(path), "/")
		if path != "" {
			path = "/" + path
		}
		s.basePath = path
	}
}

func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(s *routerSettings) { s.global = append(s.global, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(s *routerSettings) { s.health = h }
}

func WithMetricsHandler(h http.Handler) Option {
	return func(s *routerSettings) { s.metrics = h }
}

// WithGroup mounts routes under prefix with group-only middleware. A nil registrar is ignored.
func WithGroup(prefix string, routes RouteRegistrar, mw ...func(http.Handler) http.Handler) Option {
	return func(s *routerSettings) {
		if routes == nil {
			return
		}
		prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
		s.mounts = append(s.mounts, mount{prefix: prefix, routes: routes, use: mw})
	}
}
