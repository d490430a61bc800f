package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes key only if its value still matches the token this
// holder set, so a lock that expired and was re-acquired by someone else is
// never accidentally released out from under them.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// RedisLocker implements Locker with SET NX PX for acquisition and a
// compare-and-delete Lua script for release, the standard safe pattern for
// a single-instance Redis mutex.
type RedisLocker struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	retry    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = "psp:lock"
	}
	trimmed = strings.TrimSuffix(trimmed, ":")
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: trimmed, ttl: ttl, retry: 50 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, strings.TrimSpace(key))
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			release := func(releaseCtx context.Context) error {
				res, err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Result()
				if err != nil {
					return fmt.Errorf("release lock %s: %w", key, err)
				}
				if n, ok := res.(int64); ok && n == 0 {
					return &ErrNotHeld{Key: key}
				}
				return nil
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}
