package logctx

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	loggerKey contextKey = iota
)

// DiscardHandler drops every record. Used when stdout must stay clean, such
// as when printing the OpenAPI document.
var DiscardHandler slog.Handler = slog.DiscardHandler

// WithLogger returns a new context with the provided logger
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// From retrieves the logger from the context or returns the default logger if none is found
func From(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// Or returns logger when it is set, otherwise the logger carried by ctx.
func Or(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return From(ctx)
}
