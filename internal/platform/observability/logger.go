// Package observability wires zap logging, OpenTelemetry spans and Prometheus metrics into
// the HTTP stack and exposes the loggers the services write through.
package observability

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fastfood-order/api/internal/platform/requestctx"
)

// NewLogger returns the process logger. Outside "local" it writes one JSON object per line
// using the field names Cloud Logging parses (severity, message, timestamp). LOG_LEVEL
// overrides the default info level.
func NewLogger(environment string) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			return nil, err
		}
	}

	environment = strings.ToLower(strings.TrimSpace(environment))
	if environment == "" || environment == "local" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = level
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cloudEncoderConfig()), zapcore.Lock(os.Stdout), level)
	return zap.New(core,
		zap.AddCaller(),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(zap.String("environment", environment)),
	), nil
}

func cloudEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stack_trace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeSeverity,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// encodeSeverity maps zap levels onto Cloud Logging LogSeverity names.
func encodeSeverity(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString("INFO")
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.ErrorLevel:
		enc.AppendString("ERROR")
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		enc.AppendString("CRITICAL")
	case zapcore.FatalLevel:
		enc.AppendString("ALERT")
	default:
		enc.AppendString("DEFAULT")
	}
}

// WithLogger stores logger on ctx for code running outside an HTTP request.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// ServiceLogger returns the event logger the services and gateways accept. Inside a request
// the request logger is used so the line carries the access log correlation fields. An
// "error" field raises the line to warn.
func ServiceLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base.With(requestctx.Fields(ctx)...)
		}
		level := zapcore.InfoLevel
		if _, failed := fields["error"]; failed {
			level = zapcore.WarnLevel
		}
		ce := logger.Check(level, event)
		if ce == nil {
			return
		}
		zfields := []zap.Field{zap.String("event", event)}
		for _, key := range slices.Sorted(maps.Keys(fields)) {
			if err, ok := fields[key].(error); ok {
				zfields = append(zfields, zap.NamedError(key, err))
			} else {
				zfields = append(zfields, zap.Any(key, fields[key]))
			}
		}
		ce.Write(zfields...)
	}
}

// PrintfAdapter lets packages that log through Printf write to zap at warn level, which is
// where the webhook and OIDC verifiers report rejected requests.
type PrintfAdapter struct {
	sugar *zap.SugaredLogger
}

func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) {
	a.sugar.Warnf(format, args...)
}
