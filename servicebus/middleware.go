package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LoggingMiddleware logs every command with its duration and outcome.
func LoggingMiddleware(logger *slog.Logger) CommandMiddleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd any) (any, error) {
			start := time.Now()
			res, err := next(ctx, cmd)

			attrs := []any{"command", fmt.Sprintf("%T", cmd), "elapsed", time.Since(start)}
			if err != nil {
				logger.ErrorContext(ctx, "command handled", append(attrs, "err", err)...)
			} else {
				logger.DebugContext(ctx, "command handled", attrs...)
			}

			return res, err
		}
	}
}
