package metrics

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

var (
	customBackendCreators   = make(map[string]types.MetricsBackendCreator)
	customBackendCreatorsMu sync.RWMutex
)

func RegisterBackend(backendType string, creator types.MetricsBackendCreator) {
	customBackendCreatorsMu.Lock()
	defer customBackendCreatorsMu.Unlock()

	customBackendCreators[backendType] = creator
}

// NewManager builds the configured backend behind an asynchronous Sink.
// Disabled metrics still get a running Sink over a discarding backend so
// that callers never branch on configuration.
func NewManager(config *types.MetricsConfig, logger types.Logger) (*Sink, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	backend, err := newBackend(config, logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to create metrics backend")
	}

	logger.Debug("Metrics backend created", zap.String("type", config.Type), zap.Bool("enabled", config.Enabled))

	return NewSink(backend, logger, config.QueueSize), nil
}

func newBackend(config *types.MetricsConfig, logger types.Logger) (types.MetricsBackend, error) {
	if !config.Enabled {
		return discardBackend{}, nil
	}

	switch config.Type {
	case "prometheus":
		return NewPrometheusBackend(config.Prometheus, logger), nil
	case "memory":
		return NewMemoryBackend(), nil
	case "influx":
		return NewInfluxBackend(config.Influx, logger)
	case "noop":
		return discardBackend{}, nil
	default:
		customBackendCreatorsMu.RLock()
		creator, exists := customBackendCreators[config.Type]
		customBackendCreatorsMu.RUnlock()

		if !exists {
			return nil, types.Errorf(types.ErrMetricsTypeUnknown, "metrics type: %s", config.Type)
		}
		return creator(config, logger)
	}
}

type discardBackend struct{}

func (discardBackend) Emit(types.MetricSample) error { return nil }
func (discardBackend) Close() error                  { return nil }
