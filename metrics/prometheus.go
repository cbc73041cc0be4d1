package metrics

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

var defaultBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// PrometheusBackend maps samples onto lazily created vectors. Counters get a
// _total suffix and timings become _seconds histograms. Tag keys become label
// names, so a metric must always be emitted with the same tag keys.
type PrometheusBackend struct {
	logger     types.Logger
	config     *types.PrometheusConfig
	registry   *prometheus.Registry
	counters   map[string]*vecEntry[*prometheus.CounterVec]
	gauges     map[string]*vecEntry[*prometheus.GaugeVec]
	histograms map[string]*vecEntry[*prometheus.HistogramVec]
	mu         sync.Mutex
}

type vecEntry[V any] struct {
	vec    V
	labels []string
}

func NewPrometheusBackend(config *types.PrometheusConfig, logger types.Logger) *PrometheusBackend {
	promConfig := &types.PrometheusConfig{
		Path:            "/metrics",
		Namespace:       "sai_school",
		EnableGoMetrics: true,
	}
	if config != nil {
		*promConfig = *config
	}
	if promConfig.Path == "" {
		promConfig.Path = "/metrics"
	}
	if len(promConfig.Buckets) == 0 {
		promConfig.Buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.String("path", promConfig.Path),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return &PrometheusBackend{
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*vecEntry[*prometheus.CounterVec]),
		gauges:     make(map[string]*vecEntry[*prometheus.GaugeVec]),
		histograms: make(map[string]*vecEntry[*prometheus.HistogramVec]),
	}
}

func (p *PrometheusBackend) Emit(sample types.MetricSample) error {
	tags := ParseTags(sample.Tags)
	names := make([]string, len(tags))
	values := make([]string, len(tags))
	for i, tag := range tags {
		names[i] = tag.Key
		values[i] = tag.Value
	}

	name := sanitizeName(sample.Name)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch sample.Kind {
	case types.MetricCount:
		if sample.Value < 0 {
			return types.Errorf(types.ErrMetricsConfigInvalid, "counter %s decreased by %v", name, sample.Value)
		}
		entry, err := p.counter(name, names)
		if err != nil {
			return err
		}
		entry.vec.WithLabelValues(values...).Add(sample.Value)
	case types.MetricGauge:
		entry, err := p.gauge(name, names)
		if err != nil {
			return err
		}
		entry.vec.WithLabelValues(values...).Set(sample.Value)
	case types.MetricTiming:
		entry, err := p.histogram(name, names)
		if err != nil {
			return err
		}
		entry.vec.WithLabelValues(values...).Observe(sample.Value)
	default:
		return types.Errorf(types.ErrMetricsConfigInvalid, "unknown metric kind %d", sample.Kind)
	}

	return nil
}

func (p *PrometheusBackend) counter(name string, labels []string) (*vecEntry[*prometheus.CounterVec], error) {
	if entry, ok := p.counters[name]; ok {
		return entry, checkLabels(name, entry.labels, labels)
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Name:        name + "_total",
		Help:        fmt.Sprintf("Counter metric %s", name),
		ConstLabels: p.config.Labels,
	}, labels)

	if err := p.registry.Register(vec); err != nil {
		return nil, types.WrapError(err, "failed to register counter "+name)
	}

	entry := &vecEntry[*prometheus.CounterVec]{vec: vec, labels: labels}
	p.counters[name] = entry
	return entry, nil
}

func (p *PrometheusBackend) gauge(name string, labels []string) (*vecEntry[*prometheus.GaugeVec], error) {
	if entry, ok := p.gauges[name]; ok {
		return entry, checkLabels(name, entry.labels, labels)
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Name:        name,
		Help:        fmt.Sprintf("Gauge metric %s", name),
		ConstLabels: p.config.Labels,
	}, labels)

	if err := p.registry.Register(vec); err != nil {
		return nil, types.WrapError(err, "failed to register gauge "+name)
	}

	entry := &vecEntry[*prometheus.GaugeVec]{vec: vec, labels: labels}
	p.gauges[name] = entry
	return entry, nil
}

func (p *PrometheusBackend) histogram(name string, labels []string) (*vecEntry[*prometheus.HistogramVec], error) {
	if entry, ok := p.histograms[name]; ok {
		return entry, checkLabels(name, entry.labels, labels)
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Name:        name + "_seconds",
		Help:        fmt.Sprintf("Timing metric %s", name),
		Buckets:     p.config.Buckets,
		ConstLabels: p.config.Labels,
	}, labels)

	if err := p.registry.Register(vec); err != nil {
		return nil, types.WrapError(err, "failed to register histogram "+name)
	}

	entry := &vecEntry[*prometheus.HistogramVec]{vec: vec, labels: labels}
	p.histograms[name] = entry
	return entry, nil
}

func checkLabels(name string, registered, got []string) error {
	if strings.Join(registered, ",") != strings.Join(got, ",") {
		return types.Errorf(types.ErrMetricsConfigInvalid, "metric %s emitted with labels [%s], registered with [%s]",
			name, strings.Join(got, ","), strings.Join(registered, ","))
	}
	return nil
}

func (p *PrometheusBackend) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusBackend) Path() string {
	return p.config.Path
}

// Handler serves the registry in the text exposition format.
func (p *PrometheusBackend) Handler() types.FastHTTPHandler {
	handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	return func(ctx *fasthttp.RequestCtx) {
		handler(ctx)
	}
}

func (p *PrometheusBackend) Close() error {
	p.logger.Info("Prometheus metrics closed")
	return nil
}
