package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaycore/relaycore"
)

// LoggingInterceptor creates an interceptor that logs RPC calls using slog.
// It logs the start and end of each RPC call, including duration and error status.
func LoggingInterceptor(logger *slog.Logger) relaycore.UnaryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, req any, info *relaycore.RPCInfo, handler relaycore.HandlerFunc) (any, error) {
		start := time.Now()

		logger.InfoContext(ctx, "RPC started",
			slog.String("route", info.Route),
		)

		res, err := handler(ctx, req)
		duration := time.Since(start)

		if err != nil {
			logger.ErrorContext(ctx, "RPC failed",
				slog.String("route", info.Route),
				slog.Duration("duration", duration),
				slog.Any("error", err),
			)
		} else {
			logger.InfoContext(ctx, "RPC completed",
				slog.String("route", info.Route),
				slog.Duration("duration", duration),
			)
		}

		return res, err
	}
}
