// Package redis is the shared result cache backend for deployments
// running more than one manager against the same document corpus.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/penguin-orz/datamax2/pkg/models"
)

const keyPrefix = "datamax:conv:"

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Cache is a conversion result cache backed by Redis. Expiry is
// delegated to the server via per-key TTL, so Sweep is a no-op.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// New connects to Redis and verifies the connection. A zero ttl
// disables caching.
func New(cfg Config, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, models.WrapError(models.ErrCacheUnavailable, "redis ping", err)
	}

	return &Cache{client: client, ttl: ttl}, nil
}

// Get retrieves a cached result. Expired keys are gone server-side, so
// they simply miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*models.ConversionResult, bool, error) {
	if c.ttl <= 0 {
		c.misses.Add(1)
		return nil, false, nil
	}
	val, err := c.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, models.WrapError(models.ErrCacheUnavailable, "redis get", err)
	}

	var res models.ConversionResult
	if err := json.Unmarshal(val, &res); err != nil {
		return nil, false, models.WrapError(models.ErrCacheUnavailable, "decode cache entry", err)
	}
	c.hits.Add(1)
	return &res, true, nil
}

// Put stores a result with the configured TTL.
func (c *Cache) Put(ctx context.Context, fingerprint string, res models.ConversionResult) error {
	if c.ttl <= 0 {
		return nil
	}
	blob, err := json.Marshal(res)
	if err != nil {
		return models.WrapError(models.ErrCacheUnavailable, "encode cache entry", err)
	}
	if err := c.client.Set(ctx, keyPrefix+fingerprint, blob, c.ttl).Err(); err != nil {
		return models.WrapError(models.ErrCacheUnavailable, "redis set", err)
	}
	return nil
}

// Sweep is a no-op: Redis expires keys itself.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

// Stats reports the entry count under the cache prefix plus local
// hit/miss counters.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var entries int64
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		entries++
	}
	if err := iter.Err(); err != nil {
		return models.CacheStats{}, models.WrapError(models.ErrCacheUnavailable, "redis scan", err)
	}
	return models.CacheStats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes every entry under the cache prefix.
func (c *Cache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return models.WrapError(models.ErrCacheUnavailable, fmt.Sprintf("redis del %s", iter.Val()), err)
		}
	}
	if err := iter.Err(); err != nil {
		return models.WrapError(models.ErrCacheUnavailable, "redis scan", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
