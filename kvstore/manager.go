package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var (
	customStoreCreators   = make(map[string]types.KVStoreCreator)
	customStoreCreatorsMu sync.RWMutex
)

func RegisterStore(storeType string, creator types.KVStoreCreator) {
	customStoreCreatorsMu.Lock()
	defer customStoreCreatorsMu.Unlock()

	customStoreCreators[storeType] = creator
}

// NewStore builds the configured backend and wraps it with the circuit
// breaker (when enabled) and operation metrics.
func NewStore(config *types.KVStoreConfig, logger types.Logger, sink types.MetricsSink) (types.KeyValueStore, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	var (
		store types.KeyValueStore
		err   error
	)

	switch config.Type {
	case "redis":
		store, err = NewRedisStore(config, logger)
	case "memory":
		store = NewMemoryStore(logger)
	default:
		customStoreCreatorsMu.RLock()
		creator, exists := customStoreCreators[config.Type]
		customStoreCreatorsMu.RUnlock()

		if !exists {
			return nil, types.Errorf(types.ErrKVStoreTypeUnknown, "kv store type: %s", config.Type)
		}
		store, err = creator(config, logger)
	}

	if err != nil {
		return nil, types.WrapError(err, "failed to create kv store")
	}

	if config.Breaker != nil && config.Breaker.Enabled {
		store = newBreakerStore(store, config.Breaker, logger)
	}

	return &instrumentedStore{KeyValueStore: store, metrics: metrics.Safe(sink, logger)}, nil
}

type breakerStore struct {
	types.KeyValueStore
	cb *gobreaker.CircuitBreaker
}

func newBreakerStore(store types.KeyValueStore, config *types.BreakerConfig, logger types.Logger) *breakerStore {
	threshold := config.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        "kv-store",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("KV store circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: isBackendHealthy,
	}

	return &breakerStore{
		KeyValueStore: store,
		cb:            gobreaker.NewCircuitBreaker(settings),
	}
}

// isBackendHealthy keeps caller mistakes and caller cancellations from
// tripping the breaker.
func isBackendHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, types.ErrKVStoreKeyEmpty) ||
		errors.Is(err, types.ErrInvalidParameter)
}

func execute[T any](b *breakerStore, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %w", types.ErrKVStoreConnectionFailed, err)
		}
		return zero, err
	}

	return result.(T), nil
}

type getResult struct {
	value []byte
	found bool
}

func (b *breakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := execute(b, func() (getResult, error) {
		value, found, err := b.KeyValueStore.Get(ctx, key)
		return getResult{value: value, found: found}, err
	})
	return res.value, res.found, err
}

func (b *breakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, b.KeyValueStore.Set(ctx, key, value, ttl)
	})
	return err
}

func (b *breakerStore) Delete(ctx context.Context, keys ...string) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, b.KeyValueStore.Delete(ctx, keys...)
	})
	return err
}

func (b *breakerStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	return execute(b, func() (int64, error) {
		return b.KeyValueStore.DeletePrefix(ctx, prefix)
	})
}

func (b *breakerStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (types.WindowCounter, error) {
	return execute(b, func() (types.WindowCounter, error) {
		return b.KeyValueStore.IncrementWithExpiry(ctx, key, ttl)
	})
}

// Ping bypasses the breaker so health probes report the backend itself.
func (b *breakerStore) Ping(ctx context.Context) error {
	return b.KeyValueStore.Ping(ctx)
}

type instrumentedStore struct {
	types.KeyValueStore
	metrics types.MetricsSink
}

func (s *instrumentedStore) record(operation, result string, start time.Time) {
	s.metrics.Count("kv_store_operations", 1, "operation:"+operation, "result:"+result)
	s.metrics.Timing("kv_store_operation_duration", time.Since(start), "operation:"+operation)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, found, err := s.KeyValueStore.Get(ctx, key)

	result := outcome(err)
	if err == nil && !found {
		result = "miss"
	}
	s.record("get", result, start)

	return value, found, err
}

func (s *instrumentedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.KeyValueStore.Set(ctx, key, value, ttl)
	s.record("set", outcome(err), start)
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := s.KeyValueStore.Delete(ctx, keys...)
	s.record("delete", outcome(err), start)
	return err
}

func (s *instrumentedStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	start := time.Now()
	n, err := s.KeyValueStore.DeletePrefix(ctx, prefix)
	s.record("delete_prefix", outcome(err), start)
	return n, err
}

func (s *instrumentedStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (types.WindowCounter, error) {
	start := time.Now()
	counter, err := s.KeyValueStore.IncrementWithExpiry(ctx, key, ttl)
	s.record("increment", outcome(err), start)
	return counter, err
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.KeyValueStore.Ping(ctx)
	s.record("ping", outcome(err), start)
	return err
}

// HealthChecker pings the backend; it is registered with the health manager.
func HealthChecker(store types.KeyValueStore) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if err := store.Ping(ctx); err != nil {
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: err.Error(),
			}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	}
}
