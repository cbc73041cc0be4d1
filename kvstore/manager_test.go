package kvstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-school/logger"
	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
)

var errBackendDown = errors.New("connection refused")

type downStore struct {
	*MemoryStore
	calls atomic.Int32
}

func (d *downStore) Get(context.Context, string) ([]byte, bool, error) {
	d.calls.Add(1)
	return nil, false, errBackendDown
}

func (d *downStore) IncrementWithExpiry(context.Context, string, time.Duration) (types.WindowCounter, error) {
	d.calls.Add(1)
	return types.WindowCounter{}, errBackendDown
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &downStore{MemoryStore: NewMemoryStore(logger.NewNop())}
	store := newBreakerStore(inner, &types.BreakerConfig{
		Enabled:             true,
		MaxRequests:         1,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
	}, logger.NewNop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := store.Get(ctx, "term:current:s1")
		assert.ErrorIs(t, err, errBackendDown)
	}

	_, _, err := store.Get(ctx, "term:current:s1")
	assert.ErrorIs(t, err, types.ErrKVStoreConnectionFailed)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	_, err = store.IncrementWithExpiry(ctx, "auth:ip-A", time.Minute)
	assert.ErrorIs(t, err, types.ErrKVStoreConnectionFailed)

	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	store := newBreakerStore(NewMemoryStore(logger.NewNop()), &types.BreakerConfig{
		Enabled:             true,
		Timeout:             time.Minute,
		ConsecutiveFailures: 1,
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = store.Get(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrKVStoreKeyEmpty)

	_, _, err = store.Get(context.Background(), "a")
	assert.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, store.cb.State())
}

func TestNewStoreWrapsAndInstruments(t *testing.T) {
	recorder := metrics.NewMemoryBackend()
	store, err := NewStore(&types.KVStoreConfig{
		Type:    "memory",
		Breaker: &types.BreakerConfig{Enabled: true, ConsecutiveFailures: 5},
	}, logger.NewNop(), recorder)
	require.NoError(t, err)

	instrumented, ok := store.(*instrumentedStore)
	require.True(t, ok)
	_, ok = instrumented.KeyValueStore.(*breakerStore)
	require.True(t, ok)

	require.NoError(t, store.Start())
	defer func() { _ = store.Stop() }()

	ctx := context.Background()
	_, _, err = store.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	_, _, err = store.Get(ctx, "a")
	require.NoError(t, err)

	assert.Equal(t, float64(1), recorder.Counter("kv_store_operations", "operation:get", "result:miss"))
	assert.Equal(t, float64(1), recorder.Counter("kv_store_operations", "operation:get", "result:success"))
	assert.Equal(t, int64(2), recorder.TimingStats("kv_store_operation_duration", "operation:get").Count)
}

type panickingSink struct{}

func (panickingSink) Count(string, float64, ...string)        { panic("sink exploded") }
func (panickingSink) Gauge(string, float64, ...string)        { panic("sink exploded") }
func (panickingSink) Timing(string, time.Duration, ...string) { panic("sink exploded") }

func TestNewStoreSurvivesPanickingSink(t *testing.T) {
	store, err := NewStore(&types.KVStoreConfig{Type: "memory"}, logger.NewNop(), panickingSink{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NotPanics(t, func() {
		require.NoError(t, store.Set(ctx, "term:current:s1", []byte("t1"), time.Minute))

		value, found, err := store.Get(ctx, "term:current:s1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("t1"), value)

		counter, err := store.IncrementWithExpiry(ctx, "rate_limit:auth:ip:10.0.0.1", time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, counter.Count)

		require.NoError(t, store.Delete(ctx, "term:current:s1"))
		_, err = store.DeletePrefix(ctx, "rate_limit:")
		require.NoError(t, err)
		require.NoError(t, store.Ping(ctx))
	})
}

func TestNewStoreUnknownType(t *testing.T) {
	_, err := NewStore(&types.KVStoreConfig{Type: "memcached"}, logger.NewNop(), metrics.NopSink{})
	assert.ErrorIs(t, err, types.ErrKVStoreTypeUnknown)
}

func TestNewStoreCustomCreator(t *testing.T) {
	RegisterStore("test-custom", func(config *types.KVStoreConfig, l types.Logger) (types.KeyValueStore, error) {
		return NewMemoryStore(l), nil
	})

	store, err := NewStore(&types.KVStoreConfig{Type: "test-custom"}, logger.NewNop(), metrics.NopSink{})
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestHealthChecker(t *testing.T) {
	check := HealthChecker(NewMemoryStore(logger.NewNop()))
	assert.Equal(t, types.StatusHealthy, check(context.Background()).Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, types.StatusUnhealthy, check(ctx).Status)
}
