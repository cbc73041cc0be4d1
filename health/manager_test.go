package health

import (
	"context"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-school/logger"
	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
)

type routes map[string]types.FastHTTPHandler

func (r routes) Add(method, path string, handler types.FastHTTPHandler, _ *types.RouteConfig) {
	r[method+" "+path] = handler
}

func (r routes) GetAllRoutes() map[string]*types.RouteInfo {
	out := make(map[string]*types.RouteInfo, len(r))
	for key, handler := range r {
		out[key] = &types.RouteInfo{Handler: handler}
	}
	return out
}

func testConfig() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-school",
		Version: "1.0.0",
		Server:  &types.ServerConfig{HTTP: &types.HTTPConfig{Host: "127.0.0.1", Port: 8080}},
		Health:  &types.HealthConfig{Enabled: true, CheckTimeout: 200 * time.Millisecond},
	}
}

func healthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy, Details: map[string]interface{}{"queries": 3}}
}

func TestCheckAggregatesResults(t *testing.T) {
	sink := metrics.NewMemoryBackend()
	manager, err := NewManager(context.Background(), testConfig(), logger.NewNop(), sink, nil)
	require.NoError(t, err)

	manager.RegisterChecker("database", healthy)
	manager.RegisterChecker("kv_store", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "connection refused"}
	})
	manager.RegisterChecker("panicky", func(context.Context) types.HealthCheck { panic("boom") })
	manager.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := manager.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, 4, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Healthy)
	assert.Equal(t, 3, report.Summary.Unhealthy)
	assert.Equal(t, "database", report.Checks["database"].Name)
	assert.Contains(t, report.Checks["panicky"].Message, "panicked")
	assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
	assert.Equal(t, "sai-school", report.Service.Name)

	assert.Equal(t, 1.0, sink.GaugeValue("health_check_up", "check:database"))
	assert.Equal(t, 0.0, sink.GaugeValue("health_check_up", "check:kv_store"))

	last, ok := manager.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.Status, last.Status)
}

func TestHealthEndpoint(t *testing.T) {
	router := routes{}
	manager, err := NewManager(context.Background(), testConfig(), logger.NewNop(), nil, router)
	require.NoError(t, err)
	manager.RegisterChecker("database", healthy)

	require.NoError(t, manager.Start())
	defer func() { _ = manager.Stop() }()

	handler, ok := router["GET /health"]
	require.True(t, ok)

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, sonic.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.EqualValues(t, 3, report.Checks["database"].Details["queries"])

	manager.RegisterChecker("kv_store", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy}
	})
	ctx = &fasthttp.RequestCtx{}
	handler(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	version := &fasthttp.RequestCtx{}
	router["GET /version"](version)
	assert.Equal(t, fasthttp.StatusOK, version.Response.StatusCode())
	assert.Contains(t, string(version.Response.Body()), `"version":"1.0.0"`)
}

func TestLifecycle(t *testing.T) {
	manager, err := NewManager(context.Background(), testConfig(), logger.NewNop(), nil, nil)
	require.NoError(t, err)

	_, ok := manager.LastReport()
	assert.False(t, ok)

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, manager.Stop())
	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)

	_, err = NewManager(context.Background(), nil, logger.NewNop(), nil, nil)
	assert.ErrorIs(t, err, types.ErrConfigIsNil)
}
