package lock

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker uses pg_advisory_lock, scoped to a single session held for
// the lifetime of the operation. Unlike the donor's rate limiter — which
// simply disables itself when Redis is unavailable — this fallback keeps
// full correctness: money-movement locking cannot silently become a no-op.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// lockKeyHash maps an arbitrary string key to the int64 space
// pg_advisory_lock requires. Collisions would incorrectly serialize two
// unrelated keys; at PSP core key cardinality (per-instruction, per-legal-
// entity) this is an acceptable trade against pulling in a second locking
// primitive.
func lockKeyHash(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func (l *PostgresLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock %s: %w", key, err)
	}

	id := lockKeyHash(key)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock %s: %w", key, err)
	}

	release := func(releaseCtx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(releaseCtx, "SELECT pg_advisory_unlock($1)", id)
		if err != nil {
			return fmt.Errorf("release advisory lock %s: %w", key, err)
		}
		return nil
	}
	return release, nil
}
