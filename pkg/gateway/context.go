package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/agentgw/internal/tracing"
)

type ctxKey string

const connIDKey ctxKey = "connID"

func withConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

func connIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(connIDKey).(string); ok {
		return value
	}
	return ""
}

// requestLogger adds tracing ids and the connection id to base
func requestLogger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	logger := tracing.LoggerFromContext(ctx, base)
	if id := connIDFromContext(ctx); id != "" {
		logger = logger.With().Str("conn_id", id).Logger()
	}
	return logger
}
