package types

import (
	"context"
	"time"
)

// KeyValueStore is the boundary to the remote key-value store shared by the
// cache-aside repositories and the rate limiter.
type KeyValueStore interface {
	LifecycleManager
	// Get returns found=false with a nil error when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// IncrementWithExpiry increments the counter and, when the counter is new
	// or has lost its expiry, sets the ttl in the same atomic step.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (WindowCounter, error)
	Ping(ctx context.Context) error
}

type WindowCounter struct {
	Count int64
	TTL   time.Duration
}

type KVStoreCreator func(config *KVStoreConfig, logger Logger) (KeyValueStore, error)
