package webhook

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Locker is a TTL-bounded distributed lock guarding concurrent processing
// of duplicate webhook deliveries for the same object. The TTL guarantees
// expiry even if the holder crashes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := l.client.SetNX(ctx, "webhook_lock:"+key, "1", ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquiring webhook lock")
	}
	return acquired, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return errors.Wrap(l.client.Del(ctx, "webhook_lock:"+key).Err(), "releasing webhook lock")
}
