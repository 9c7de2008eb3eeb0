package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fastfood-order/api/internal/platform/auth"
	"github.com/fastfood-order/api/internal/platform/httpx"
	"github.com/fastfood-order/api/internal/platform/requestctx"
)

// URL params copied onto access lines, keyed by log field.
var resourceParams = map[string]string{
	"order_id":   "orderID",
	"payment_id": "paymentID",
	"product_id": "productID",
	"client_id":  "clientID",
}

// Health check and scrape routes only log at debug when they succeed.
var quietRoutes = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware scopes the context logger to the request and writes one access
// line after the handler returns, when chi has resolved the route pattern.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := requestctx.Logger(r.Context()).With(requestFields(r, projectID)...)
			r = r.WithContext(requestctx.WithLogger(r.Context(), logger))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			completed := false
			defer func() {
				status := statusOf(ww)
				if !completed {
					status = max(status, http.StatusInternalServerError)
				}
				route := routePattern(r)
				annotateSpan(r, route, status)
				if ce := logger.Check(completionLevel(route, status), "request completed"); ce != nil {
					ce.Write(completionFields(r, route, status, time.Since(start), ww.BytesWritten())...)
				}
			}()

			next.ServeHTTP(ww, r)
			completed = true
		})
	}
}

func requestFields(r *http.Request, projectID string) []zap.Field {
	ctx := r.Context()
	fields := []zap.Field{
		zap.String("request_id", requestctx.RequestID(ctx)),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("url", SanitizeURL(r.URL)),
	}
	info, _ := requestctx.Trace(ctx)
	if info.ProjectID == "" {
		info.ProjectID = projectID
	}
	if info.TraceID != "" {
		fields = append(fields, zap.String("trace_id", info.TraceID))
		if resource := info.Resource(); resource != "" {
			fields = append(fields, zap.String("logging.googleapis.com/trace", resource))
		}
	}
	if ip := remoteIP(r); ip != "" {
		fields = append(fields, zap.String("remote_ip", ip))
	}
	return fields
}

func completionFields(r *http.Request, route string, status int, latency time.Duration, bytes int) []zap.Field {
	fields := []zap.Field{
		zap.String("route", SanitizeRoute(route)),
		zap.Int("status", status),
		zap.Duration("latency", latency),
		zap.Int("bytes", bytes),
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for field, param := range resourceParams {
			if value := rctx.URLParam(param); value != "" {
				fields = append(fields, zap.String(field, sanitizeString(value, 128)))
			}
		}
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		fields = append(fields, zap.String("user_id", SanitizeUserID(identity.UID)))
	}
	return fields
}

// RecoveryMiddleware answers a handler panic with a 500 JSON error and logs the stack.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				switch rec {
				case nil:
					return
				case http.ErrAbortHandler:
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func completionLevel(route string, status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	case quietRoutes[route]:
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func annotateSpan(r *http.Request, route string, status int) {
	span := trace.SpanFromContext(r.Context())
	if !span.IsRecording() {
		return
	}
	route = SanitizeRoute(route)
	span.SetName(SanitizeMethod(r.Method) + " " + route)
	span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// statusOf treats a handler that never wrote a header as 200, like net/http does.
func statusOf(ww middleware.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL != nil && r.URL.Path != "" {
		return r.URL.Path
	}
	return "/"
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}
