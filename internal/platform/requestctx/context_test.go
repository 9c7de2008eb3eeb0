package requestctx

import (
	"context"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func TestLoggerFallsBackToNop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatal("expected the shared nop logger")
	}
	if Logger(WithLogger(context.Background(), nil)) != NoopLogger() {
		t.Fatal("nil logger should resolve to the nop logger")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatal("expected stored logger")
	}
}

func TestFieldsCorrelateRequestAndTrace(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = WithTrace(ctx, TraceInfo{TraceID: "abc", SpanID: "def", ProjectID: "food-prod"})

	fields := Fields(ctx)
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	want := []string{"request_id", "trace_id", "span_id", "logging.googleapis.com/trace"}
	if len(keys) != len(want) {
		t.Fatalf("expected fields %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected fields %v, got %v", want, keys)
		}
	}
	if fields[3].String != "projects/food-prod/traces/abc" {
		t.Fatalf("unexpected trace resource %q", fields[3].String)
	}
}

func TestFieldsWithoutProjectSkipTraceResource(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "def"})
	if fields := Fields(ctx); len(fields) != 2 {
		t.Fatalf("expected trace and span ids only, got %d fields", len(fields))
	}
	if TraceID(ctx) != "abc" {
		t.Fatalf("expected trace id abc, got %q", TraceID(ctx))
	}
}

func TestFieldsEmptyOutsideRequest(t *testing.T) {
	if fields := Fields(context.Background()); len(fields) != 0 {
		t.Fatalf("expected no fields, got %v", fields)
	}
}
