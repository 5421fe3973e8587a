package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisCacher is a Cacher shared between server instances. Values are stored
// as JSON under Prefix+key. Misses are collapsed per process with
// singleflight; across processes a concurrent miss may fetch twice, which is
// harmless for idempotent fetches such as credential verification.
type RedisCacher[T any] struct {
	client redis.UniversalClient
	prefix string
	group  singleflight.Group
}

// NewRedisCacher creates a Redis-backed cacher.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c := NewRedisCacher[string](client, "sessionhub:auth:")
func NewRedisCacher[T any](client redis.UniversalClient, prefix string) *RedisCacher[T] {
	return &RedisCacher[T]{
		client: client,
		prefix: prefix,
	}
}

// GetOrFetch implements Cacher.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if val, found, err := c.get(ctx, key); err != nil || found {
		return val, err
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		if cached, found, err := c.get(ctx, key); err != nil || found {
			return cached, err
		}

		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		data, err := json.Marshal(fetched)
		if err != nil {
			return zero, fmt.Errorf("failed to marshal value: %w", err)
		}

		if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
			return zero, fmt.Errorf("failed to cache value: %w", err)
		}

		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	return val.(T), nil
}

func (c *RedisCacher[T]) get(ctx context.Context, key string) (T, bool, error) {
	var result T

	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return result, false, nil
	}
	if err != nil {
		return result, false, fmt.Errorf("redis get error: %w", err)
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return result, true, nil
}

// Delete implements Cacher.
func (c *RedisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}
