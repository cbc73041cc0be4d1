package types

import (
	"time"
)

// MetricsSink accepts named samples with ordered "key:value" tags. It never
// blocks noticeably and never reports failures to the caller.
type MetricsSink interface {
	Count(name string, value float64, tags ...string)
	Gauge(name string, value float64, tags ...string)
	Timing(name string, duration time.Duration, tags ...string)
}

type MetricsManager interface {
	LifecycleManager
	MetricsSink
	Dropped() uint64
}

type MetricKind uint8

const (
	MetricCount MetricKind = iota
	MetricGauge
	MetricTiming
)

func (k MetricKind) String() string {
	switch k {
	case MetricCount:
		return "count"
	case MetricGauge:
		return "gauge"
	case MetricTiming:
		return "timing"
	default:
		return "unknown"
	}
}

type MetricSample struct {
	Kind  MetricKind
	Name  string
	Value float64
	Tags  []string
	Time  time.Time
}

type MetricsBackend interface {
	Emit(sample MetricSample) error
	Close() error
}

type MetricsBackendCreator func(config *MetricsConfig, logger Logger) (MetricsBackend, error)
