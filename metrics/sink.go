package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultQueueSize = 4096
	failureLogEvery  = 1000
)

// Sink is the process-wide asynchronous MetricsSink. Samples are queued on a
// bounded channel and forwarded to the backend by a single worker; when the
// queue is full the sample is dropped.
type Sink struct {
	logger          types.Logger
	backend         types.MetricsBackend
	queue           chan types.MetricSample
	stop            chan struct{}
	done            chan struct{}
	state           atomic.Value
	dropped         atomic.Uint64
	failures        atomic.Uint64
	shutdownTimeout time.Duration
}

func NewSink(backend types.MetricsBackend, logger types.Logger, queueSize int) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	sink := &Sink{
		logger:          logger,
		backend:         backend,
		queue:           make(chan types.MetricSample, queueSize),
		shutdownTimeout: 5 * time.Second,
	}

	sink.state.Store(StateStopped)
	return sink
}

func (s *Sink) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)

	s.state.Store(StateRunning)
	s.logger.Info("Metrics sink started", zap.Int("queue_size", cap(s.queue)))
	return nil
}

// Stop flushes queued samples within the shutdown timeout and closes the
// backend.
func (s *Sink) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer s.state.Store(StateStopped)

	close(s.stop)

	select {
	case <-s.done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Metrics sink flush timeout", zap.Int("pending", len(s.queue)))
	}

	if err := s.backend.Close(); err != nil {
		s.logger.Error("Failed to close metrics backend", zap.Error(err))
	}

	s.logger.Info("Metrics sink stopped",
		zap.Uint64("dropped", s.dropped.Load()),
		zap.Uint64("failures", s.failures.Load()))
	return nil
}

func (s *Sink) IsRunning() bool {
	return s.state.Load() == StateRunning
}

func (s *Sink) Count(name string, value float64, tags ...string) {
	s.enqueue(types.MetricCount, name, value, tags)
}

func (s *Sink) Gauge(name string, value float64, tags ...string) {
	s.enqueue(types.MetricGauge, name, value, tags)
}

func (s *Sink) Timing(name string, duration time.Duration, tags ...string) {
	s.enqueue(types.MetricTiming, name, duration.Seconds(), tags)
}

// Dropped reports samples discarded because the queue was full or the sink
// was not running.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sink) Failures() uint64 {
	return s.failures.Load()
}

func (s *Sink) Backend() types.MetricsBackend {
	return s.backend
}

func (s *Sink) enqueue(kind types.MetricKind, name string, value float64, tags []string) {
	if !s.IsRunning() {
		s.dropped.Add(1)
		return
	}

	sample := types.MetricSample{
		Kind:  kind,
		Name:  name,
		Value: value,
		Tags:  append([]string(nil), tags...),
		Time:  time.Now(),
	}

	select {
	case s.queue <- sample:
	default:
		s.dropped.Add(1)
	}
}

func (s *Sink) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case sample := <-s.queue:
			s.emit(sample)
		case <-stop:
			s.drain()
			return
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case sample := <-s.queue:
			s.emit(sample)
		default:
			return
		}
	}
}

func (s *Sink) emit(sample types.MetricSample) {
	defer func() {
		if r := recover(); r != nil {
			s.recordFailure(sample, fmt.Errorf("backend panic: %v", r))
		}
	}()

	if err := s.backend.Emit(sample); err != nil {
		s.recordFailure(sample, err)
	}
}

func (s *Sink) recordFailure(sample types.MetricSample, err error) {
	n := s.failures.Add(1)
	if n == 1 || n%failureLogEvery == 0 {
		s.logger.Warn("Metrics emission failed",
			zap.String("metric", sample.Name),
			zap.String("kind", sample.Kind.String()),
			zap.Uint64("failures", n),
			zap.Error(err))
	}
}
