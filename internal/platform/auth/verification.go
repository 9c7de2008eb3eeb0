package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/fastfood-order/api/internal/platform/httpx"
)

// Logger is the printf contract the verifiers log through.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder counts verification outcomes. kind is "oidc", "staff" or "webhook"; reason is a
// short snake_case label such as "audience_mismatch".
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
