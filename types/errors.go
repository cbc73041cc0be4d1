package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrHandlerIsNil         = errors.New("handler is nil")
)

var (
	ErrMiddlewareInvalidType = errors.New("middleware invalid type")
	ErrMiddlewareDuplicate   = errors.New("middleware duplicate")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrRateLimitBackend      = errors.New("rate limit backend unavailable")
	ErrRateLimitTierUnknown  = errors.New("rate limit tier unknown")
)

var (
	ErrKVStoreKeyEmpty         = errors.New("kv store key empty")
	ErrKVStoreConnectionFailed = errors.New("kv store connection failed")
	ErrKVStoreTypeUnknown      = errors.New("kv store type unknown")
	ErrKVStoreOperationFailed  = errors.New("kv store operation failed")
	ErrKVStoreNotRunning       = errors.New("kv store is not running")
)

var (
	ErrMetricsTypeUnknown   = errors.New("metrics type unknown")
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
	ErrMetricsQueueFull     = errors.New("metrics queue full")
)

var (
	ErrDatabaseDriverUnknown = errors.New("database driver unknown")
	ErrDatabaseOpenFailed    = errors.New("database open failed")
	ErrDatabaseProbeFailed   = errors.New("database probe failed")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthIsNotRunning = errors.New("health manager is not running")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
	ErrLoggerConfigNil    = errors.New("logger config is nil")
)

var (
	ErrServiceIsRunning     = errors.New("service is running")
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrComponentStartFailed = errors.New("component start failed")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrResourceNotFound = errors.New("resource not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrUnauthorized     = errors.New("unauthorized")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
