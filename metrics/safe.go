package metrics

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

type NopSink struct{}

func (NopSink) Count(string, float64, ...string)        {}
func (NopSink) Gauge(string, float64, ...string)        {}
func (NopSink) Timing(string, time.Duration, ...string) {}

type safeSink struct {
	sink   types.MetricsSink
	logger types.Logger
}

// Safe guards an injected sink so that a panicking implementation cannot
// reach the caller. A nil sink becomes a NopSink.
func Safe(sink types.MetricsSink, logger types.Logger) types.MetricsSink {
	if sink == nil {
		return NopSink{}
	}

	switch sink.(type) {
	case *safeSink, *Sink, NopSink:
		return sink
	}

	return &safeSink{sink: sink, logger: logger}
}

func (s *safeSink) Count(name string, value float64, tags ...string) {
	defer s.guard(name)
	s.sink.Count(name, value, tags...)
}

func (s *safeSink) Gauge(name string, value float64, tags ...string) {
	defer s.guard(name)
	s.sink.Gauge(name, value, tags...)
}

func (s *safeSink) Timing(name string, duration time.Duration, tags ...string) {
	defer s.guard(name)
	s.sink.Timing(name, duration, tags...)
}

func (s *safeSink) guard(name string) {
	if r := recover(); r != nil && s.logger != nil {
		s.logger.Warn("Metrics sink panicked", zap.String("metric", name), zap.String("panic", fmt.Sprint(r)))
	}
}
