package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-school/types"
)

type Loader struct {
	validator   *validator.Validate
	readTimeout time.Duration
}

func NewLoader() *Loader {
	return &Loader{
		validator:   validator.New(validator.WithRequiredStructEnabled()),
		readTimeout: 30 * time.Second,
	}
}

func (l *Loader) LoadFromFile(configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.Errorf(types.ErrConfigNotFound, "file not found: %s", configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.readTimeout)
	defer cancel()

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.Load(data)
}

// Load expands ${VAR} and ${VAR:-default} references, decodes the YAML on
// top of Defaults and validates the result.
func (l *Loader) Load(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	expanded := os.Expand(string(data), expandEnv)

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return config, nil
}

func expandEnv(name string) string {
	key, fallback, hasFallback := strings.Cut(name, ":-")
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	if hasFallback {
		return fallback
	}
	return ""
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-school",
		Version: "0.1.0",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
				MaxBodySize:     4 * 1024 * 1024,
			},
		},
		Logger: &types.LoggerConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		KVStore: &types.KVStoreConfig{
			Type:             "redis",
			KeyPrefix:        "sai-school",
			OperationTimeout: 500 * time.Millisecond,
			Redis: &types.RedisConfig{
				Host:               "localhost",
				Port:               6379,
				PoolSize:           10,
				MinIdleConnections: 2,
				MaxRetries:         1,
				DialTimeout:        5 * time.Second,
				ReadTimeout:        3 * time.Second,
				WriteTimeout:       3 * time.Second,
				ScanCount:          500,
			},
			Breaker: &types.BreakerConfig{
				Enabled:             true,
				MaxRequests:         1,
				Interval:            time.Minute,
				Timeout:             10 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
		Database: &types.DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "file:sai-school.db?_busy_timeout=5000&_foreign_keys=on",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
			ProbeInterval:   30 * time.Second,
			Migrate:         true,
		},
		Cache: &types.CacheConfig{
			DefaultTTL:       time.Hour,
			OperationTimeout: 500 * time.Millisecond,
			CoalesceLoads:    false,
		},
		Metrics: &types.MetricsConfig{
			Enabled:   true,
			Type:      "prometheus",
			QueueSize: 4096,
			Prometheus: &types.PrometheusConfig{
				Path:            "/metrics",
				Namespace:       "sai_school",
				EnableGoMetrics: true,
			},
		},
		RateLimit: &types.RateLimitConfig{
			Enabled:   true,
			FailOpen:  false,
			KeyPrefix: "rate_limit",
			General: &types.RateLimitTierConfig{
				Max:    100,
				Window: time.Minute,
			},
			Auth: &types.RateLimitTierConfig{
				Max:    5,
				Window: time.Minute,
			},
			Strict: &types.RateLimitTierConfig{
				Max:    3,
				Window: 15 * time.Minute,
			},
		},
		Auth: &types.AuthConfig{
			Enabled: false,
		},
		Health: &types.HealthConfig{
			Enabled:      true,
			CheckTimeout: 5 * time.Second,
		},
	}
}
