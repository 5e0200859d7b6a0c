package domain

import (
	"context"
	"time"
)

// SignalBus is the append-only event sink. Publish delivers ephemeral
// pub/sub messages; StreamAppend writes to a durable, ordered stream for
// off-ledger consumers that must not miss a settlement event.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// RateLimiter applies sliding-window rate limits keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed mutual exclusion for background jobs
// that may run on more than one instance (e.g. the snapshot archiver).
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RegistryCache is a read-through cache for the registry singleton, which
// is consulted on every authority-gated call.
type RegistryCache interface {
	Get(ctx context.Context) (Registry, error)
	Set(ctx context.Context, reg Registry) error
	Invalidate(ctx context.Context) error
}
