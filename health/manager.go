package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultCheckTimeout = 5 * time.Second

// Manager runs named checkers concurrently and serves the aggregated report
// on /health and build information on /version.
type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	service      types.ServiceInfo
	logger       types.Logger
	metrics      types.MetricsSink
	router       types.HTTPRouter
	checkers     map[string]types.HealthChecker
	lastReport   *types.HealthReport
	startTime    time.Time
	mu           sync.RWMutex
	state        atomic.Value
	checkTimeout time.Duration
}

func NewManager(ctx context.Context, config *types.ServiceConfig, logger types.Logger, sink types.MetricsSink, router types.HTTPRouter) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	managerCtx, cancel := context.WithCancel(ctx)

	service := types.ServiceInfo{
		Name:    config.Name,
		Version: config.Version,
	}
	if config.Server != nil && config.Server.HTTP != nil {
		service.Host = config.Server.HTTP.Host
		service.Port = config.Server.HTTP.Port
	}

	checkTimeout := defaultCheckTimeout
	if config.Health != nil && config.Health.CheckTimeout > 0 {
		checkTimeout = config.Health.CheckTimeout
	}

	manager := &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		service:      service,
		logger:       logger,
		metrics:      metrics.Safe(sink, logger),
		router:       router,
		checkers:     make(map[string]types.HealthChecker),
		checkTimeout: checkTimeout,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	var g errgroup.Group
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			result := hm.executeCheck(checkCtx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := hm.buildReport(results)

	hm.mu.Lock()
	hm.lastReport = &report
	hm.mu.Unlock()

	return report
}

// LastReport returns the most recent report, if any check has run.
func (hm *Manager) LastReport() (types.HealthReport, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	if hm.lastReport == nil {
		return types.HealthReport{}, false
	}
	return *hm.lastReport, true
}

func (hm *Manager) Start() error {
	if !hm.state.CompareAndSwap(StateStopped, StateStarting) {
		hm.logger.Warn("Health manager is already running")
		return types.ErrServerAlreadyRunning
	}

	hm.startTime = time.Now()
	if hm.router != nil {
		hm.registerRoutes()
	}

	hm.state.Store(StateRunning)
	hm.logger.Info("Health manager started", zap.Duration("check_timeout", hm.checkTimeout))
	return nil
}

func (hm *Manager) Stop() error {
	if !hm.state.CompareAndSwap(StateRunning, StateStopping) {
		hm.logger.Warn("Health manager is not running")
		return types.ErrServerNotRunning
	}

	hm.cancel()
	hm.state.Store(StateStopped)

	hm.logger.Info("Health manager stopped")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.state.Load() == StateRunning
}

func (hm *Manager) registerRoutes() {
	config := &types.RouteConfig{
		DisabledMiddlewares: []string{"auth", "rate-limit"},
	}

	hm.router.Add("GET", "/version", hm.handleVersion, config)
	hm.router.Add("GET", "/health", hm.handleHealth, config)
}

func (hm *Manager) handleVersion(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"name":       hm.service.Name,
		"version":    hm.service.Version,
		"build_info": getBuildInfo(),
	})
}

func (hm *Manager) handleHealth(ctx *fasthttp.RequestCtx) {
	if !hm.IsRunning() {
		utils.CreateErrorResponse(ctx, fasthttp.StatusServiceUnavailable, types.ErrHealthIsNotRunning.Error())
		return
	}

	report := hm.Check(hm.ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	utils.WriteJSON(ctx, status, report)
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- types.HealthCheck{
					Status:  types.StatusUnhealthy,
					Message: fmt.Sprintf("Health check panicked: %v", r),
				}
			}
		}()

		resultChan <- checker(ctx)
	}()

	var result types.HealthCheck
	select {
	case result = <-resultChan:
	case <-hm.ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: "Health manager shutting down"}
	case <-ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: "Health check timeout"}
	}

	result.Name = name
	result.LastCheck = time.Now()
	result.Duration = time.Since(start)

	up := 0.0
	if result.Status == types.StatusHealthy {
		up = 1
	}
	hm.metrics.Gauge("health_check_up", up, "check:"+name)

	if result.Status == types.StatusUnhealthy {
		hm.logger.Warn("Health check failed", zap.String("check", name), zap.String("message", result.Message))
	}

	return result
}

func (hm *Manager) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	summary := types.HealthSummary{
		Total: len(results),
	}

	overallStatus := types.StatusHealthy
	for _, result := range results {
		switch result.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusUnhealthy:
			summary.Unhealthy++
			overallStatus = types.StatusUnhealthy
		default:
			summary.Unknown++
			if overallStatus == types.StatusHealthy {
				overallStatus = types.StatusUnknown
			}
		}
	}

	uptime := time.Duration(0)
	if !hm.startTime.IsZero() {
		uptime = time.Since(hm.startTime)
	}

	return types.HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    uptime,
		Service:   hm.service,
		Checks:    results,
		Summary:   summary,
	}
}
