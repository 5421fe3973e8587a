// Package cacher provides read-through caches with stampede protection. The
// auth package uses them to avoid re-verifying the same credential on every
// reconnect.
package cacher

import (
	"context"
	"time"
)

// FetchFunc fetches a value from the source on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is a read-through cache. Implementations are safe for concurrent use
// and run at most one fetch per key at a time within a process.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn, caches
	// its result for ttl and returns it. Fetch errors are returned and never
	// cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live duration for a freshly fetched value
	//   - fetchFn: Function to fetch the value if not in cache
	//
	// Returns:
	//   - The cached or fetched value of type T
	//   - An error if retrieval or fetching fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete removes a key from the cache. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
