package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lorekeep/lorekeep/internal/observability"
)

// RedisCache is the shared Cache backend for multi-instance deployments.
// All errors are advisory: they are logged, counted, and reported to the
// caller only as a miss or a failed set.
type RedisCache struct {
	client *redis.Client
	logger *observability.Logger
	stats  counters
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(ctx context.Context, cfg RedisConfig, logger *observability.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client, logger: logger}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.stats.errors.Add(1)
			c.logger.Warn(ctx, "cache get failed", "key", key, "error", err)
		}
		c.stats.misses.Add(1)
		return false
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		c.stats.errors.Add(1)
		c.logger.Warn(ctx, "cache value unmarshal failed", "key", key, "error", err)
		return false
	}
	c.stats.hits.Add(1)
	return true
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.stats.errors.Add(1)
		c.logger.Warn(ctx, "cache value marshal failed", "key", key, "error", err)
		return false
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.stats.errors.Add(1)
		c.logger.Warn(ctx, "cache set failed", "key", key, "error", err)
		return false
	}
	return true
}

func (c *RedisCache) Delete(ctx context.Context, key string) bool {
	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		c.stats.errors.Add(1)
		c.logger.Warn(ctx, "cache delete failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) int {
	removed := 0
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.stats.errors.Add(1)
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		c.stats.errors.Add(1)
		c.logger.Warn(ctx, "cache pattern scan failed", "pattern", pattern, "error", err)
	}
	return removed
}

func (c *RedisCache) Stats() Stats {
	return c.stats.snapshot()
}

// Close releases the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
