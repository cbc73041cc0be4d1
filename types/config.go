package types

import (
	"time"
)

type ConfigManager interface {
	GetConfig() *ServiceConfig
}

type ServiceConfig struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version" validate:"required"`
	Server    *ServerConfig    `yaml:"server" json:"server" validate:"required"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger" validate:"required"`
	KVStore   *KVStoreConfig   `yaml:"kv_store" json:"kv_store" validate:"required"`
	Database  *DatabaseConfig  `yaml:"database" json:"database" validate:"required"`
	Cache     *CacheConfig     `yaml:"cache" json:"cache" validate:"required"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics" validate:"required"`
	RateLimit *RateLimitConfig `yaml:"rate_limit" json:"rate_limit" validate:"required"`
	Auth      *AuthConfig      `yaml:"auth" json:"auth"`
	Health    *HealthConfig    `yaml:"health" json:"health"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" validate:"required"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodySize     int    `yaml:"max_body_size" json:"max_body_size" validate:"min=0"`
}

type LoggerConfig struct {
	Level  string `yaml:"level" json:"level" validate:"required,oneof=debug info warn warning error fatal"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output" json:"output" validate:"omitempty,oneof=stdout stderr file"`
	File   string `yaml:"file" json:"file" validate:"required_if=Output file"`
}

type KVStoreConfig struct {
	Type             string         `yaml:"type" json:"type" validate:"required"`
	KeyPrefix        string         `yaml:"key_prefix" json:"key_prefix"`
	OperationTimeout time.Duration  `yaml:"operation_timeout" json:"operation_timeout" validate:"min=0"`
	Redis            *RedisConfig   `yaml:"redis" json:"redis"`
	Breaker          *BreakerConfig `yaml:"breaker" json:"breaker"`
}

type RedisConfig struct {
	Host               string        `yaml:"host" json:"host"`
	Port               int           `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Username           string        `yaml:"username" json:"username"`
	Password           string        `yaml:"password" json:"password"`
	DB                 int           `yaml:"db" json:"db" validate:"min=0"`
	PoolSize           int           `yaml:"pool_size" json:"pool_size" validate:"min=0"`
	MinIdleConnections int           `yaml:"min_idle_connections" json:"min_idle_connections" validate:"min=0"`
	MaxRetries         int           `yaml:"max_retries" json:"max_retries"`
	DialTimeout        time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ScanCount          int64         `yaml:"scan_count" json:"scan_count" validate:"min=0"`
}

type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	MaxRequests         uint32        `yaml:"max_requests" json:"max_requests"`
	Interval            time.Duration `yaml:"interval" json:"interval"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" json:"consecutive_failures" validate:"required_if=Enabled true"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver" json:"driver" validate:"required,oneof=sqlite3 postgres"`
	DSN             string        `yaml:"dsn" json:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout" json:"query_timeout"`
	ProbeInterval   time.Duration `yaml:"probe_interval" json:"probe_interval"`
	Migrate         bool          `yaml:"migrate" json:"migrate"`
}

type CacheConfig struct {
	DefaultTTL       time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout" validate:"min=0"`
	CoalesceLoads    bool          `yaml:"coalesce_loads" json:"coalesce_loads"`
}

type MetricsConfig struct {
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	Type       string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	QueueSize  int               `yaml:"queue_size" json:"queue_size" validate:"min=0"`
	Prometheus *PrometheusConfig `yaml:"prometheus" json:"prometheus"`
	Influx     *InfluxConfig     `yaml:"influx" json:"influx"`
}

type PrometheusConfig struct {
	Path            string            `yaml:"path" json:"path"`
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	Buckets         []float64         `yaml:"buckets" json:"buckets"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type InfluxConfig struct {
	URL           string        `yaml:"url" json:"url" validate:"required"`
	Token         string        `yaml:"token" json:"token"`
	Org           string        `yaml:"org" json:"org" validate:"required"`
	Bucket        string        `yaml:"bucket" json:"bucket" validate:"required"`
	Measurement   string        `yaml:"measurement" json:"measurement"`
	BatchSize     uint          `yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

type RateLimitConfig struct {
	Enabled   bool                 `yaml:"enabled" json:"enabled"`
	FailOpen  bool                 `yaml:"fail_open" json:"fail_open"`
	KeyPrefix string               `yaml:"key_prefix" json:"key_prefix"`
	General   *RateLimitTierConfig `yaml:"general" json:"general" validate:"required"`
	Auth      *RateLimitTierConfig `yaml:"auth" json:"auth" validate:"required"`
	Strict    *RateLimitTierConfig `yaml:"strict" json:"strict" validate:"required"`
}

type RateLimitTierConfig struct {
	Max    int64         `yaml:"max" json:"max" validate:"min=1"`
	Window time.Duration `yaml:"window" json:"window" validate:"gt=0"`
}

// AuthConfig maps each subject to its access token.
type AuthConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Tokens  map[string]string `yaml:"tokens" json:"tokens"`
}

type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}
