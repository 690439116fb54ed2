package routing

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// CursorStore advances the round-robin cursor for one merchant profile.
// The advance is atomic so concurrent requests never pick the same "next"
// connector under race.
type CursorStore interface {
	Next(ctx context.Context, key string, modulo int) (int, error)
}

type RedisCursorStore struct {
	client *redis.Client
}

func NewRedisCursorStore(client *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{client: client}
}

func (s *RedisCursorStore) Next(ctx context.Context, key string, modulo int) (int, error) {
	value, err := s.client.Incr(ctx, fmt.Sprintf("routing_cursor:%s", key)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "advancing routing cursor")
	}
	return int((value - 1) % int64(modulo)), nil
}
