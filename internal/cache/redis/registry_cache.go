package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantfield/signalledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	registryKey = "registry:config"
	registryTTL = 5 * time.Minute
)

// RegistryCache implements domain.RegistryCache using a single Redis key
// holding the JSON-serialized registry. The registry is consulted on every
// authority-gated call, so a short TTL keeps the hot path off Postgres while
// still bounding staleness if an invalidation is lost.
type RegistryCache struct {
	rdb *redis.Client
}

// NewRegistryCache creates a RegistryCache backed by the given Client.
func NewRegistryCache(c *Client) *RegistryCache {
	return &RegistryCache{rdb: c.Underlying()}
}

// Set stores the registry in the cache with a 5-minute TTL.
func (rc *RegistryCache) Set(ctx context.Context, reg domain.Registry) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("redis: marshal registry: %w", err)
	}
	if err := rc.rdb.Set(ctx, registryKey, data, registryTTL).Err(); err != nil {
		return fmt.Errorf("redis: set registry: %w", err)
	}
	return nil
}

// Get retrieves the cached registry.
// It returns domain.ErrNotFound when the key does not exist.
func (rc *RegistryCache) Get(ctx context.Context) (domain.Registry, error) {
	data, err := rc.rdb.Get(ctx, registryKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Registry{}, domain.ErrNotFound
		}
		return domain.Registry{}, fmt.Errorf("redis: get registry: %w", err)
	}

	var reg domain.Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return domain.Registry{}, fmt.Errorf("redis: unmarshal registry: %w", err)
	}
	return reg, nil
}

// Invalidate removes the cached registry. Called after every authority or
// config mutation so the next read goes to Postgres.
func (rc *RegistryCache) Invalidate(ctx context.Context) error {
	if err := rc.rdb.Del(ctx, registryKey).Err(); err != nil {
		return fmt.Errorf("redis: invalidate registry: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RegistryCache = (*RegistryCache)(nil)
