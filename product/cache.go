package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the read-side cache of assembled product views. A stale entry is
// also the fallback the read path serves while the inventory dependency is
// degraded, so entries are written with a generous TTL and carry their age.
type Cache interface {
	Get(ctx context.Context, productID string) (*ProductView, error)
	Set(ctx context.Context, view *ProductView) error
	Invalidate(ctx context.Context, productID string) error
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *redisCache {
	return &redisCache{client: client, ttl: ttl}
}

func cacheKey(productID string) string {
	return fmt.Sprintf("product:%s", productID)
}

func (c *redisCache) Get(ctx context.Context, productID string) (*ProductView, error) {
	raw, err := c.client.Get(ctx, cacheKey(productID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	var view ProductView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return &view, nil
}

func (c *redisCache) Set(ctx context.Context, view *ProductView) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(view.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func (c *redisCache) Invalidate(ctx context.Context, productID string) error {
	if err := c.client.Del(ctx, cacheKey(productID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

var _ Cache = (*redisCache)(nil)
