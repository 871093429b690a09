package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type callIDKey struct{}

type userIDKey struct{}

func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

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

// WithCall tags ctx with the call being processed. Empty values are skipped.
func WithCall(ctx context.Context, callID string, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if callID != "" {
		ctx = context.WithValue(ctx, callIDKey{}, callID)
	}
	if userID != "" {
		ctx = context.WithValue(ctx, userIDKey{}, userID)
	}
	return ctx
}

func CallIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, callIDKey{})
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, userIDKey{})
}

func stringFromContext(ctx context.Context, key any) (string, bool) {
	if ctx == nil {
		return "", false
	}

	value, ok := ctx.Value(key).(string)
	if !ok || value == "" {
		return "", false
	}

	return value, true
}

// WithContextLogger adds the callId and userId carried by ctx to logger.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := make([]zap.Field, 0, 2)
	if callID, ok := CallIDFromContext(ctx); ok {
		fields = append(fields, zap.String("callId", callID))
	}
	if userID, ok := UserIDFromContext(ctx); ok {
		fields = append(fields, zap.String("userId", userID))
	}
	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}
