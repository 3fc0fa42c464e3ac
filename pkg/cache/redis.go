// Package cache holds the worker's cache handle.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by cache calls made outside Connect/Disconnect.
var ErrNotConnected = errors.New("cache: not connected")

// RedisCache is member "cache" of the connection set.
type RedisCache struct {
	opts   *redis.Options
	logger *zap.Logger

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedisCache prepares a cache for addr; nothing is dialed until Connect.
func NewRedisCache(addr, password string, db int, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		opts: &redis.Options{
			Addr:        addr,
			Password:    password,
			DB:          db,
			DialTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (c *RedisCache) Name() string { return "cache" }

// Connect creates the client and pings it.
func (c *RedisCache) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	rdb := redis.NewClient(c.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping %s: %w", c.opts.Addr, err)
	}

	c.client = rdb
	c.logger.Info("connected to redis", zap.String("addr", c.opts.Addr))
	return nil
}

// Disconnect closes the client; the cache counts as closed afterwards even
// if Close reported an error.
func (c *RedisCache) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *RedisCache) Ping(ctx context.Context) error {
	rdb, err := c.rdb()
	if err != nil {
		return err
	}
	return rdb.Ping(ctx).Err()
}

func (c *RedisCache) rdb() (*redis.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// Get returns the cached value and whether it was present.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	rdb, err := c.rdb()
	if err != nil {
		return "", false, err
	}

	val, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value for ttl; a zero ttl keeps it forever.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	rdb, err := c.rdb()
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	rdb, err := c.rdb()
	if err != nil {
		return err
	}
	return rdb.Del(ctx, keys...).Err()
}
