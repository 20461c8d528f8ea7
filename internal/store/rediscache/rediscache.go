// Package rediscache is the Redis-backed implementation of
// internal/store.Cache; the server uses it to cache leaderboard reads.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xqserver/xqserver/internal/store"
)

// Cache adapts a *redis.Client to internal/store.Cache.
type Cache struct {
	client *redis.Client
}

// New wraps client for use as a store.Cache.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Options mirrors the subset of connection parameters the core's
// configuration surfaces.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial builds a Cache from connection Options.
func Dial(opts Options) *Cache {
	return New(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}))
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("rediscache: get %s: %w", key, err)
	}
	return val, nil
}

func (c *Cache) Del(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("rediscache: del %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Publish(ctx context.Context, channel, message string) error {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("rediscache: publish %s: %w", channel, err)
	}
	return nil
}
