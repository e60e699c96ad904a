package telemetry

import (
	"context"
	"log/slog"
)

// SlogLogger adapts a standard library *slog.Logger to the Logger
// interface. cmd/evolver is the only caller that needs a non-no-op, non-otel
// logger — everything else takes telemetry.Logger as a dependency and
// leaves construction to its caller, the same pattern semspec's
// cmd/semspec/main.go uses (slog.NewTextHandler wired at the CLI entry
// point, nowhere else).
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger. A nil logger falls back to slog.Default().
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogLogger{logger: logger}
}

func (l SlogLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.logger.DebugContext(ctx, msg, keyvals...)
}

func (l SlogLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.logger.InfoContext(ctx, msg, keyvals...)
}

func (l SlogLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.logger.WarnContext(ctx, msg, keyvals...)
}

func (l SlogLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.logger.ErrorContext(ctx, msg, keyvals...)
}
