package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces dedup keys in a shared Redis instance.
const redisKeyPrefix = "netpulse:result:"

// Redis is a Deduper backed by Redis, so duplicate suppression survives
// orchestrator restarts and is shared when several orchestrators run
// against the same database.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis, verifies the connection, and returns a dedup
// set with the given TTL. A non-positive ttl falls back to DefaultTTL.
func NewRedis(addr, password string, db int, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, ttl: ttl}, nil
}

// PoolConfig tunes the Redis connection pool. Zero values keep the client
// defaults.
type PoolConfig struct {
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisFromURL parses a redis:// connection URL, applies the pool
// settings, verifies the connection, and returns a dedup set with the
// given TTL.
func NewRedisFromURL(rawURL string, pool PoolConfig, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if pool.PoolSize > 0 {
		opts.PoolSize = pool.PoolSize
	}
	if pool.MinIdleConns > 0 {
		opts.MinIdleConns = pool.MinIdleConns
	}
	if pool.DialTimeout > 0 {
		opts.DialTimeout = pool.DialTimeout
	}
	if pool.ReadTimeout > 0 {
		opts.ReadTimeout = pool.ReadTimeout
	}
	if pool.WriteTimeout > 0 {
		opts.WriteTimeout = pool.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, ttl: ttl}, nil
}

// Seen records the key with SET NX and reports whether it was already set.
func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	set, err := r.client.SetNX(ctx, redisKeyPrefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark result key: %w", err)
	}
	return !set, nil
}

// Clear removes the key.
func (r *Redis) Clear(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to clear result key: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
