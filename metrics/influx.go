package metrics

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

// InfluxBackend writes every sample as a point through the non-blocking
// write API; batching and retries are left to the client.
type InfluxBackend struct {
	logger      types.Logger
	config      *types.InfluxConfig
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	errorsDone  chan struct{}
	measurement string
}

func NewInfluxBackend(config *types.InfluxConfig, logger types.Logger) (*InfluxBackend, error) {
	if config == nil || config.URL == "" {
		return nil, types.Errorf(types.ErrMetricsConfigInvalid, "influx url is required")
	}

	options := influxdb2.DefaultOptions()
	if config.BatchSize > 0 {
		options.SetBatchSize(config.BatchSize)
	}
	if config.FlushInterval > 0 {
		options.SetFlushInterval(uint(config.FlushInterval.Milliseconds()))
	}

	client := influxdb2.NewClientWithOptions(config.URL, config.Token, options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if health, err := client.Health(ctx); err != nil {
		logger.Warn("InfluxDB health check failed, points will be retried by the client",
			zap.String("url", config.URL), zap.Error(err))
	} else {
		logger.Info("Connected to InfluxDB", zap.String("url", config.URL), zap.String("status", string(health.Status)))
	}

	measurement := config.Measurement
	if measurement == "" {
		measurement = "sai_school"
	}

	backend := &InfluxBackend{
		logger:      logger,
		config:      config,
		client:      client,
		writeAPI:    client.WriteAPI(config.Org, config.Bucket),
		errorsDone:  make(chan struct{}),
		measurement: measurement,
	}

	go backend.watchErrors(backend.writeAPI.Errors())

	return backend, nil
}

func (b *InfluxBackend) Emit(sample types.MetricSample) error {
	point := influxdb2.NewPointWithMeasurement(b.measurement).
		AddTag("metric", sample.Name).
		AddTag("kind", sample.Kind.String()).
		AddField("value", sample.Value).
		SetTime(sample.Time)

	for _, tag := range ParseTags(sample.Tags) {
		point.AddTag(tag.Key, tag.Value)
	}

	b.writeAPI.WritePoint(point)
	return nil
}

func (b *InfluxBackend) watchErrors(errorsCh <-chan error) {
	defer close(b.errorsDone)

	for err := range errorsCh {
		b.logger.Warn("InfluxDB write error", zap.Error(err))
	}
}

func (b *InfluxBackend) Close() error {
	b.writeAPI.Flush()
	b.client.Close()

	select {
	case <-b.errorsDone:
	case <-time.After(5 * time.Second):
		b.logger.Warn("InfluxDB error watcher did not stop")
	}
	return nil
}
