package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(dsn string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 3 * time.Second
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Incr(ctx context.Context, key string) (int64, error) {
	return b.client.Incr(ctx, key).Result()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
