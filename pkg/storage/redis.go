package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisAdapter persists shield state in Redis so that cache entries, ledger
// entries and breaker state survive process restarts and are visible to
// sibling processes.
type RedisAdapter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisAdapter wraps an existing Redis client.
func NewRedisAdapter(client *redis.Client, logger *zap.Logger) *RedisAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAdapter{client: client, logger: logger}
}

// NewRedisAdapterURL connects to Redis from a URL and pings it.
func NewRedisAdapterURL(ctx context.Context, url string, logger *zap.Logger) (*RedisAdapter, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisAdapter(client, logger), nil
}

func (r *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisAdapter) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisAdapter) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Keys scans for keys under the prefix. SCAN is used instead of KEYS so a
// large persisted cache does not stall the Redis server.
func (r *RedisAdapter) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// Close releases the underlying client.
func (r *RedisAdapter) Close() error {
	return r.client.Close()
}
