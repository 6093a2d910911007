// Package cache stores opaque byte values by key, in process (bigcache) or
// shared between processes (Redis).
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired
var ErrMiss = errors.New("cache: miss")

// Store is a byte oriented key-value cache
type Store interface {
	// Get returns the value for key or ErrMiss
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value for at most ttl. Stores may apply their own lifetime.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
