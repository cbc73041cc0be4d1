package metrics

import (
	"sync"
	"time"

	"github.com/saiset-co/sai-school/types"
)

type TimingStats struct {
	Count int64
	Sum   time.Duration
	Max   time.Duration
}

type Snapshot struct {
	Counters map[string]float64
	Gauges   map[string]float64
	Timings  map[string]TimingStats
}

// MemoryBackend aggregates samples in process. It also implements
// types.MetricsSink directly, recording synchronously.
type MemoryBackend struct {
	counters map[string]float64
	gauges   map[string]float64
	timings  map[string]TimingStats
	mu       sync.RWMutex
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		timings:  make(map[string]TimingStats),
	}
}

func (m *MemoryBackend) Emit(sample types.MetricSample) error {
	key := seriesKey(sample.Name, sample.Tags)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch sample.Kind {
	case types.MetricCount:
		m.counters[key] += sample.Value
	case types.MetricGauge:
		m.gauges[key] = sample.Value
	case types.MetricTiming:
		d := time.Duration(sample.Value * float64(time.Second))
		stats := m.timings[key]
		stats.Count++
		stats.Sum += d
		if d > stats.Max {
			stats.Max = d
		}
		m.timings[key] = stats
	default:
		return types.Errorf(types.ErrMetricsConfigInvalid, "unknown metric kind %d", sample.Kind)
	}

	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

func (m *MemoryBackend) Count(name string, value float64, tags ...string) {
	_ = m.Emit(types.MetricSample{Kind: types.MetricCount, Name: name, Value: value, Tags: tags})
}

func (m *MemoryBackend) Gauge(name string, value float64, tags ...string) {
	_ = m.Emit(types.MetricSample{Kind: types.MetricGauge, Name: name, Value: value, Tags: tags})
}

func (m *MemoryBackend) Timing(name string, duration time.Duration, tags ...string) {
	_ = m.Emit(types.MetricSample{Kind: types.MetricTiming, Name: name, Value: duration.Seconds(), Tags: tags})
}

func (m *MemoryBackend) Counter(name string, tags ...string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[seriesKey(name, tags)]
}

func (m *MemoryBackend) GaugeValue(name string, tags ...string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[seriesKey(name, tags)]
}

func (m *MemoryBackend) TimingStats(name string, tags ...string) TimingStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timings[seriesKey(name, tags)]
}

// CounterTotal sums a counter across all tag combinations.
func (m *MemoryBackend) CounterTotal(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for key, value := range m.counters {
		if key == name || (len(key) > len(name) && key[:len(name)] == name && key[len(name)] == '|') {
			total += value
		}
	}
	return total
}

func (m *MemoryBackend) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		Counters: make(map[string]float64, len(m.counters)),
		Gauges:   make(map[string]float64, len(m.gauges)),
		Timings:  make(map[string]TimingStats, len(m.timings)),
	}
	for k, v := range m.counters {
		snapshot.Counters[k] = v
	}
	for k, v := range m.gauges {
		snapshot.Gauges[k] = v
	}
	for k, v := range m.timings {
		snapshot.Timings[k] = v
	}
	return snapshot
}
