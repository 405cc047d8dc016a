package cursor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "relaycal:cursor:"

// RedisStore shares cursors between replicas that watch the same mailbox.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(dsn string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: redisKeyPrefix}, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (s *RedisStore) Save(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
