package stream

import (
	"context"
	"time"

	"github.com/vx-labs/nestclient/stats"
	"go.uber.org/zap"
)

type loggerKey struct{}

// StoreLogger returns a context carrying logger.
func StoreLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// L returns the logger stored in ctx, or a no-op logger.
func L(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zap.NewNop()
}

// AddFields returns a context whose logger carries the given fields.
func AddFields(ctx context.Context, fields ...zap.Field) context.Context {
	return StoreLogger(ctx, L(ctx).With(fields...))
}

// observeCall runs a storage call, recording its latency and logging failures.
func observeCall(ctx context.Context, operation string, call func() error) error {
	start := time.Now()
	err := call()
	stats.HistogramVec("storageCallTime").WithLabelValues(operation, stats.Result(err)).Observe(stats.MilisecondsElapsed(start))
	if err != nil {
		L(ctx).Debug("storage call failed",
			zap.String("operation", operation),
			zap.Duration("call_duration", time.Since(start)),
			zap.Error(err))
	}
	return err
}
