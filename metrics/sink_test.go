package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-school/logger"
	"github.com/saiset-co/sai-school/types"
)

type blockingBackend struct {
	release chan struct{}
	emitted int
	mu      sync.Mutex
}

func (b *blockingBackend) Emit(types.MetricSample) error {
	<-b.release
	b.mu.Lock()
	b.emitted++
	b.mu.Unlock()
	return nil
}

func (b *blockingBackend) Close() error { return nil }

type panicBackend struct{}

func (panicBackend) Emit(types.MetricSample) error { panic("collector exploded") }
func (panicBackend) Close() error                  { return nil }

type failingBackend struct{}

func (failingBackend) Emit(types.MetricSample) error { return errors.New("udp write refused") }
func (failingBackend) Close() error                  { return nil }

func TestSinkForwardsSamplesAndDrainsOnStop(t *testing.T) {
	backend := NewMemoryBackend()
	sink := NewSink(backend, logger.NewNop(), 128)
	require.NoError(t, sink.Start())

	for i := 0; i < 10; i++ {
		sink.Count("cache_hit", 1, "key:term:current")
	}
	sink.Gauge("pool_open", 3)
	sink.Timing("db_query_duration", 20*time.Millisecond, "operation:getCurrentTerm")

	require.NoError(t, sink.Stop())

	assert.Equal(t, float64(10), backend.Counter("cache_hit", "key:term:current"))
	assert.Equal(t, float64(3), backend.GaugeValue("pool_open"))

	stats := backend.TimingStats("db_query_duration", "operation:getCurrentTerm")
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, 20*time.Millisecond, stats.Sum)
	assert.Zero(t, sink.Dropped())
}

func TestSinkDropsWhenQueueIsFull(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	sink := NewSink(backend, logger.NewNop(), 1)
	require.NoError(t, sink.Start())

	start := time.Now()
	for i := 0; i < 100; i++ {
		sink.Count("rate_limit_attempt", 1)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, sink.Dropped(), uint64(98))

	close(backend.release)
	require.NoError(t, sink.Stop())
}

func TestSinkRecoversBackendPanics(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := NewSink(panicBackend{}, logger.NewZapWrapper(zap.New(core)), 16)
	require.NoError(t, sink.Start())

	assert.NotPanics(t, func() {
		sink.Count("cache_miss", 1)
		sink.Count("cache_miss", 1)
	})

	require.NoError(t, sink.Stop())
	assert.Equal(t, uint64(2), sink.Failures())
	require.Equal(t, 1, logs.FilterMessage("Metrics emission failed").Len())
}

func TestSinkSwallowsBackendErrors(t *testing.T) {
	sink := NewSink(failingBackend{}, logger.NewNop(), 16)
	require.NoError(t, sink.Start())

	sink.Timing("rate_limit_latency", time.Millisecond, "tier:auth")

	require.NoError(t, sink.Stop())
	assert.Equal(t, uint64(1), sink.Failures())
}

func TestSinkDropsWhenNotRunning(t *testing.T) {
	backend := NewMemoryBackend()
	sink := NewSink(backend, logger.NewNop(), 16)

	sink.Count("cache_hit", 1)

	assert.Equal(t, uint64(1), sink.Dropped())
	assert.Zero(t, backend.CounterTotal("cache_hit"))
}

func TestSinkLifecycle(t *testing.T) {
	sink := NewSink(NewMemoryBackend(), logger.NewNop(), 0)

	assert.ErrorIs(t, sink.Stop(), types.ErrServerNotRunning)
	require.NoError(t, sink.Start())
	assert.True(t, sink.IsRunning())
	assert.ErrorIs(t, sink.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, sink.Stop())
	assert.False(t, sink.IsRunning())
}

type panicSink struct{}

func (panicSink) Count(string, float64, ...string)        { panic("count") }
func (panicSink) Gauge(string, float64, ...string)        { panic("gauge") }
func (panicSink) Timing(string, time.Duration, ...string) { panic("timing") }

func TestSafeGuardsPanickingSinks(t *testing.T) {
	sink := Safe(panicSink{}, logger.NewNop())

	assert.NotPanics(t, func() {
		sink.Count("a", 1)
		sink.Gauge("b", 1)
		sink.Timing("c", time.Second)
	})

	assert.IsType(t, NopSink{}, Safe(nil, logger.NewNop()))
}

func TestMemoryBackendCounterTotal(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Count("cache_hit", 1, "key:a")
	backend.Count("cache_hit", 2, "key:b")
	backend.Count("cache_hit_ratio", 5)

	assert.Equal(t, float64(3), backend.CounterTotal("cache_hit"))
	assert.Len(t, backend.Snapshot().Counters, 3)
}

func TestParseTags(t *testing.T) {
	tags := ParseTags([]string{"tier:auth", "key:term:current", "cached", "9lives:x"})

	assert.Equal(t, []Tag{
		{Key: "tier", Value: "auth"},
		{Key: "key", Value: "term:current"},
		{Key: "cached", Value: "true"},
		{Key: "_9lives", Value: "x"},
	}, tags)
}

func TestNewManagerRejectsUnknownType(t *testing.T) {
	_, err := NewManager(&types.MetricsConfig{Enabled: true, Type: "statsd"}, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)

	sink, err := NewManager(&types.MetricsConfig{Enabled: false, Type: "statsd"}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, discardBackend{}, sink.Backend())
}
