package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/video-batcher/internal/config"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		// BRPOP holds a connection open; the read timeout must exceed the pop timeout.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get retrieves a value by key. A missing key returns "", false.
func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Del deletes one or more keys
func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// SetIfAbsent sets key only when it does not exist and reports whether it was set
func (r *RedisCache) SetIfAbsent(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// CallbackDeduper is the fast path that drops redelivered provider callbacks.
// The stored task ID on the job remains the authoritative check.
type CallbackDeduper struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewCallbackDeduper creates a deduper; ttl bounds how long a delivery is remembered
func NewCallbackDeduper(cache *RedisCache, ttl time.Duration) *CallbackDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CallbackDeduper{cache: cache, ttl: ttl}
}

func callbackKey(taskID, status string) string {
	return fmt.Sprintf("callback:%s:%s", taskID, status)
}

// FirstDelivery reports whether this (taskID, status) pair has not been seen before
func (d *CallbackDeduper) FirstDelivery(ctx context.Context, taskID, status string) (bool, error) {
	return d.cache.SetIfAbsent(ctx, callbackKey(taskID, status), time.Now().Unix(), d.ttl)
}

// Forget removes the marker so a failed delivery can be processed again
func (d *CallbackDeduper) Forget(ctx context.Context, taskID, status string) error {
	return d.cache.Del(ctx, callbackKey(taskID, status))
}
