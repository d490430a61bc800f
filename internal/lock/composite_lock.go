package lock

import (
	"context"
	"log/slog"
)

// CompositeLocker prefers Redis for latency and falls back to Postgres
// advisory locks when Redis is unreachable, so a broker outage degrades
// performance rather than correctness.
type CompositeLocker struct {
	primary  Locker
	fallback Locker
	logger   *slog.Logger
}

func NewCompositeLocker(primary, fallback Locker, logger *slog.Logger) *CompositeLocker {
	return &CompositeLocker{primary: primary, fallback: fallback, logger: logger}
}

func (l *CompositeLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	release, err := l.primary.Acquire(ctx, key)
	if err == nil {
		return release, nil
	}
	l.logger.Warn("primary lock backend unavailable; falling back", "key", key, "error", err)
	return l.fallback.Acquire(ctx, key)
}
