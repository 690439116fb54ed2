package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"payment-router/internal/connector"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// TokenStore caches connector access tokens per merchant-connector pair.
type TokenStore interface {
	Get(ctx context.Context, merchantID, connectorName string) (*connector.AccessToken, error)
	Set(ctx context.Context, merchantID, connectorName string, token *connector.AccessToken) error
}

type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func tokenKey(merchantID, connectorName string) string {
	return fmt.Sprintf("access_token:%s:%s", merchantID, connectorName)
}

func (s *RedisTokenStore) Get(ctx context.Context, merchantID, connectorName string) (*connector.AccessToken, error) {
	value, err := s.client.Get(ctx, tokenKey(merchantID, connectorName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading cached access token")
	}

	var token connector.AccessToken
	if err := json.Unmarshal([]byte(value), &token); err != nil {
		return nil, errors.Wrap(err, "decoding cached access token")
	}
	return &token, nil
}

// Set caches the token for slightly less than its lifetime so a token close
// to expiry is never handed to a financial call.
func (s *RedisTokenStore) Set(ctx context.Context, merchantID, connectorName string, token *connector.AccessToken) error {
	ttl := time.Duration(token.ExpiresIn)*time.Second - 30*time.Second
	if ttl <= 0 {
		ttl = time.Duration(token.ExpiresIn) * time.Second
	}

	encoded, err := json.Marshal(token)
	if err != nil {
		return errors.Wrap(err, "encoding access token")
	}

	return errors.Wrap(
		s.client.Set(ctx, tokenKey(merchantID, connectorName), encoded, ttl).Err(),
		"caching access token")
}
