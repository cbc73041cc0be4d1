package repository

import (
	"context"
	"reflect"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

const DefaultTTL = time.Hour

// LoadFunc reads from the primary store.
type LoadFunc[T any] func(ctx context.Context) (T, error)

type Options[T any] struct {
	// Entity prefixes identity keys and tags load metrics.
	Entity string
	// TTL applied when a call does not override it. Zero means DefaultTTL.
	TTL time.Duration
	// OperationTimeout bounds each cache store call. Zero means no extra bound.
	OperationTimeout time.Duration
	// Coalesce collapses concurrent misses on the same key into one load.
	Coalesce bool
	// Identity returns the primary entity id of a loaded value, if it has one.
	Identity func(value T) (string, bool)
	// IsEmpty reports whether a loaded value should be skipped when caching.
	IsEmpty func(value T) bool
}

type CallOption func(*callOptions)

type callOptions struct {
	ttl time.Duration
}

func WithTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// CacheAside wraps primary-store reads with a look-aside cache. Cache faults
// are logged and counted and never reach the caller; load errors are returned
// unchanged and never cached.
type CacheAside[T any] struct {
	store   types.KeyValueStore
	logger  types.Logger
	metrics types.MetricsSink
	options Options[T]
	group   *singleflight.Group
}

func New[T any](store types.KeyValueStore, logger types.Logger, sink types.MetricsSink, options Options[T]) *CacheAside[T] {
	if options.TTL <= 0 {
		options.TTL = DefaultTTL
	}
	if options.IsEmpty == nil {
		options.IsEmpty = isEmptyValue[T]
	}

	c := &CacheAside[T]{
		store:   store,
		logger:  logger,
		metrics: metrics.Safe(sink, logger),
		options: options,
	}
	if options.Coalesce {
		c.group = &singleflight.Group{}
	}

	return c
}

func (c *CacheAside[T]) Entity() string {
	return c.options.Entity
}

// WithCache returns the cached value under key or loads, populates and
// returns it.
func (c *CacheAside[T]) WithCache(ctx context.Context, key, operation string, load LoadFunc[T], opts ...CallOption) (T, error) {
	call := callOptions{ttl: c.options.TTL}
	for _, opt := range opts {
		opt(&call)
	}

	family := keyFamily(key)

	if value, ok := c.lookup(ctx, key); ok {
		c.metrics.Count("cache_hit", 1, "key:"+family)
		return value, nil
	}
	c.metrics.Count("cache_miss", 1, "key:"+family)

	if c.group == nil {
		return c.loadAndPopulate(ctx, key, operation, load, call.ttl)
	}

	shared, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.loadAndPopulate(ctx, key, operation, load, call.ttl)
	})
	if err != nil {
		var zero T
		return zero, err
	}

	value, _ := shared.(T)
	return value, nil
}

// Invalidate deletes keys. Failures are logged only.
func (c *CacheAside[T]) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.store.Delete(ctx, keys...); err != nil {
		c.cacheFault("delete", err, zap.Strings("keys", keys))
	}
}

// InvalidatePrefix deletes every key starting with prefix. Failures are
// logged only.
func (c *CacheAside[T]) InvalidatePrefix(ctx context.Context, prefix string) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	deleted, err := c.store.DeletePrefix(ctx, prefix)
	if err != nil {
		c.cacheFault("delete_prefix", err, zap.String("prefix", prefix))
		return
	}

	c.logger.Debug("Cache prefix invalidated", zap.String("prefix", prefix), zap.Int64("deleted", deleted))
}

func (c *CacheAside[T]) lookup(ctx context.Context, key string) (T, bool) {
	var value T

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.cacheFault("get", err, zap.String("key", key))
		return value, false
	}
	if !found {
		return value, false
	}

	if err := utils.Unmarshal(raw, &value); err != nil {
		c.cacheFault("decode", err, zap.String("key", key))
		if err := c.store.Delete(ctx, key); err != nil {
			c.cacheFault("delete", err, zap.String("key", key))
		}
		var zero T
		return zero, false
	}

	return value, true
}

func (c *CacheAside[T]) loadAndPopulate(ctx context.Context, key, operation string, load LoadFunc[T], ttl time.Duration) (T, error) {
	start := time.Now()
	value, err := load(ctx)
	duration := time.Since(start)

	if err != nil {
		c.metrics.Timing("cache_load_duration", duration, "operation:"+operation, "entity:"+c.options.Entity, "status:error")
		c.metrics.Count("cache_load_errors", 1, "operation:"+operation, "entity:"+c.options.Entity)
		var zero T
		return zero, err
	}
	c.metrics.Timing("cache_load_duration", duration, "operation:"+operation, "entity:"+c.options.Entity, "status:success")

	if c.options.IsEmpty(value) {
		return value, nil
	}

	c.populate(ctx, key, value, ttl)

	if c.options.Identity != nil && c.options.Entity != "" {
		if id, ok := c.options.Identity(value); ok && id != "" {
			if identityKey := IdentityKey(c.options.Entity, id); identityKey != key {
				c.populate(ctx, identityKey, value, ttl)
			}
		}
	}

	return value, nil
}

func (c *CacheAside[T]) populate(ctx context.Context, key string, value T, ttl time.Duration) {
	raw, err := utils.Marshal(value)
	if err != nil {
		c.cacheFault("encode", err, zap.String("key", key))
		return
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.cacheFault("set", err, zap.String("key", key))
	}
}

func (c *CacheAside[T]) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.options.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.options.OperationTimeout)
}

func (c *CacheAside[T]) cacheFault(operation string, err error, fields ...zap.Field) {
	c.metrics.Count("cache_errors", 1, "operation:"+operation, "entity:"+c.options.Entity)
	c.logger.Warn("Cache operation failed", append(fields, zap.String("operation", operation), zap.Error(err))...)
}

func isEmptyValue[T any](value T) bool {
	v := reflect.ValueOf(&value).Elem()

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	default:
		return false
	}
}
