package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logScopeKey struct{}

// NewLogger builds the JSON production logger. service tags every entry so
// api and worker output can be told apart.
func NewLogger(level string, service string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if service = strings.TrimSpace(service); service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withScope(ctx, func(sc *logScope) { sc.correlationID = correlationID })
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	sc := scopeFromContext(ctx)
	if sc.correlationID == "" {
		return "", false
	}
	return sc.correlationID, true
}

// WithJobID tags ctx with the deferred send job being processed.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return withScope(ctx, func(sc *logScope) { sc.jobID = jobID })
}

// WithContextLogger returns logger annotated with whatever scope ctx carries.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := scopeFromContext(ctx).fields()
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// logScope holds request-level fields only; message and driver fields are
// logged at call sites.
type logScope struct {
	correlationID string
	jobID         string
}

func (sc logScope) fields() []zap.Field {
	var fields []zap.Field
	if sc.correlationID != "" {
		fields = append(fields, zap.String("correlationId", sc.correlationID))
	}
	if sc.jobID != "" {
		fields = append(fields, zap.String("jobId", sc.jobID))
	}
	return fields
}

func scopeFromContext(ctx context.Context) logScope {
	if ctx == nil {
		return logScope{}
	}
	sc, _ := ctx.Value(logScopeKey{}).(logScope)
	return sc
}

// withScope copies the current scope so parent contexts are never mutated.
func withScope(ctx context.Context, apply func(*logScope)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	sc := scopeFromContext(ctx)
	apply(&sc)
	return context.WithValue(ctx, logScopeKey{}, sc)
}
