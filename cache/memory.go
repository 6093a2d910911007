package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in process Store on top of bigcache. Every entry lives for
// the life window given at construction; the per call ttl is ignored.
type MemoryStore struct {
	cache *bigcache.BigCache
}

// NewMemoryStore creates a MemoryStore whose entries expire after lifeWindow
func NewMemoryStore(ctx context.Context, lifeWindow time.Duration) (*MemoryStore, error) {
	if lifeWindow <= 0 {
		lifeWindow = 10 * time.Minute
	}
	cfg := bigcache.DefaultConfig(lifeWindow)
	cfg.Shards = 64
	cfg.CleanWindow = lifeWindow / 2
	cfg.Verbose = false

	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryStore{cache: c}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, err := s.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("memory cache get: %w", err)
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if err := s.cache.Set(key, value); err != nil {
		return fmt.Errorf("memory cache set: %w", err)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := s.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("memory cache delete: %w", err)
	}
	return nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

func (s *MemoryStore) Close() error {
	return s.cache.Close()
}
