// Package requestctx carries the per-request logger and trace ids between the HTTP
// middleware and the services that log on behalf of a request.
package requestctx

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
)

var nop = zap.NewNop()

// TraceInfo identifies the server span of the request. ProjectID is empty outside Google
// Cloud, where log lines cannot link to Cloud Trace.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Resource is the Cloud Logging trace resource name, or "" when it cannot be built.
func (t TraceInfo) Resource() string {
	if t.ProjectID == "" || t.TraceID == "" {
		return ""
	}
	return "projects/" + t.ProjectID + "/traces/" + t.TraceID
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, _ := ctx.Value(loggerKey{}).(*zap.Logger); logger != nil {
			return logger
		}
	}
	return nop
}

// NoopLogger is what Logger returns for a context without a logger.
func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// RequestID is the id assigned by chi's RequestID middleware.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return middleware.GetReqID(ctx)
}

// Fields correlates a service log line with its request and trace.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id := RequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	info, ok := Trace(ctx)
	if !ok || info.TraceID == "" {
		return fields
	}
	fields = append(fields, zap.String("trace_id", info.TraceID), zap.String("span_id", info.SpanID))
	if resource := info.Resource(); resource != "" {
		fields = append(fields, zap.String("logging.googleapis.com/trace", resource))
	}
	return fields
}
