// Package store holds the fixed-window counters behind the rate limiter.
package store

import (
	"context"
	"time"
)

// Store counts requests per key in fixed windows.
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment adds one to key and returns the new count and the time left
	// in the key's window. The first increment opens a window of length window.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Get returns the current count of key, or 0 when no window is open.
	Get(ctx context.Context, key string) (int64, error)

	// Reset closes the key's window.
	Reset(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}
