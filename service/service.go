package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/api"
	"github.com/saiset-co/sai-school/config"
	"github.com/saiset-co/sai-school/cron"
	"github.com/saiset-co/sai-school/database"
	"github.com/saiset-co/sai-school/health"
	"github.com/saiset-co/sai-school/kvstore"
	"github.com/saiset-co/sai-school/logger"
	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/middleware"
	"github.com/saiset-co/sai-school/ratelimit"
	"github.com/saiset-co/sai-school/school"
	"github.com/saiset-co/sai-school/server"
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
	recoveryWeight  = 10
	loggingWeight   = 20
	authWeight      = 25
	rateLimitWeight = 30

	probeJobName = "db-probe"

	defaultShutdownTimeout = 30 * time.Second
)

type component struct {
	name    string
	manager types.LifecycleManager
}

// Service owns every component and its lifecycle. Components are built with
// explicit constructor injection and started in dependency order.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.ServiceConfig
	logger          *logger.Manager
	metrics         *metrics.Sink
	store           types.KeyValueStore
	database        *database.Manager
	monitor         *database.Monitor
	cron            *cron.Manager
	limiters        *ratelimit.Tiered
	authenticator   *middleware.TokenAuthenticator
	terms           *school.TermRepository
	students        *school.StudentRepository
	router          *server.Router
	health          *health.Manager
	middlewares     *middleware.Manager
	server          *server.FastHTTPServer
	components      []component
	state           atomic.Value
	shutdownTimeout time.Duration
}

// New loads configPath and builds the service.
func New(ctx context.Context, configPath string) (*Service, error) {
	configManager, err := config.NewConfigurationManager(configPath)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(ctx, configManager.GetConfig())
}

func NewFromConfig(ctx context.Context, cfg *types.ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, types.ErrConfigIsNil
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          cfg,
		shutdownTimeout: defaultShutdownTimeout,
	}
	s.state.Store(StateStopped)

	if cfg.Server != nil && cfg.Server.HTTP != nil && cfg.Server.HTTP.ShutdownTimeout > 0 {
		s.shutdownTimeout = time.Duration(cfg.Server.HTTP.ShutdownTimeout) * time.Second
	}

	if err := s.build(); err != nil {
		cancel()
		s.closeBuilt()
		return nil, err
	}

	return s, nil
}

func (s *Service) build() error {
	var err error

	if s.logger, err = logger.NewManager(s.config.Logger); err != nil {
		return types.WrapError(err, "failed to create logger")
	}
	s.register("logger", s.logger)

	if s.metrics, err = metrics.NewManager(s.config.Metrics, s.logger); err != nil {
		return types.WrapError(err, "failed to create metrics sink")
	}
	s.register("metrics", s.metrics)

	if s.store, err = kvstore.NewStore(s.config.KVStore, s.logger, s.metrics); err != nil {
		return types.WrapError(err, "failed to create kv store")
	}
	s.register("kv_store", s.store)

	if s.database, err = database.NewManager(s.config.Database, s.logger); err != nil {
		return types.WrapError(err, "failed to open database")
	}
	s.register("database", s.database)
	s.monitor = database.NewMonitor(s.database.DB(), s.config.Database, s.logger, s.metrics)

	if s.config.Database.Migrate {
		if err := school.Migrate(s.ctx, s.database.DB()); err != nil {
			return types.WrapError(err, "failed to migrate database")
		}
	}

	s.cron = cron.NewManager(s.ctx, s.logger, s.metrics)
	if s.config.Database.ProbeInterval > 0 {
		if err := s.cron.Every(probeJobName, s.config.Database.ProbeInterval, s.monitor.Probe); err != nil {
			return err
		}
	}
	s.register("cron", s.cron)

	if s.limiters, err = ratelimit.NewTiered(s.config.RateLimit, s.store, s.logger, s.metrics); err != nil {
		return types.WrapError(err, "failed to create rate limiter")
	}

	if s.authenticator, err = middleware.NewTokenAuthenticator(s.config.Auth); err != nil {
		return types.WrapError(err, "failed to configure authentication")
	}

	s.terms = school.NewTermRepository(s.monitor, s.store, s.logger, s.metrics, s.config.Cache)
	s.students = school.NewStudentRepository(s.monitor, s.store, s.logger, s.metrics, s.config.Cache)

	s.router = server.NewRouter()

	if s.config.Health == nil || s.config.Health.Enabled {
		if s.health, err = health.NewManager(s.ctx, s.config, s.logger, s.metrics, s.router); err != nil {
			return types.WrapError(err, "failed to create health manager")
		}
		s.health.RegisterChecker("database", s.monitor.HealthChecker())
		s.health.RegisterChecker("kv_store", kvstore.HealthChecker(s.store))
		s.health.RegisterChecker("metrics", s.metricsHealthChecker())
		s.register("health", s.health)
	}

	if err := s.buildMiddlewares(); err != nil {
		return err
	}

	if backend, ok := s.metrics.Backend().(*metrics.PrometheusBackend); ok {
		s.router.Route("GET", backend.Path(), backend.Handler()).
			WithoutMiddlewares(middleware.AuthName, middleware.RateLimitName, middleware.LoggingName).
			Register()
	}

	api.NewHandler(s.terms, s.students, s.authenticator, s.logger).Register(s.router)

	if s.server, err = server.NewHTTPServer(s.config.Server.HTTP, s.logger, s.middlewares, s.router); err != nil {
		return types.WrapError(err, "failed to create HTTP server")
	}
	s.register("http_server", s.server)

	return nil
}

func (s *Service) buildMiddlewares() error {
	s.middlewares = middleware.NewManager(s.logger)

	if err := s.middlewares.Register(middleware.NewRecoveryMiddleware(recoveryWeight, true, s.logger, s.metrics), true); err != nil {
		return err
	}
	if err := s.middlewares.Register(middleware.NewLoggingMiddleware(loggingWeight, s.logger, s.metrics), true); err != nil {
		return err
	}

	if s.config.Auth != nil && s.config.Auth.Enabled {
		if err := s.middlewares.Register(middleware.NewAuthMiddleware(authWeight, s.authenticator, s.logger, s.metrics), true); err != nil {
			return err
		}
	}

	if s.config.RateLimit.Enabled {
		for _, mw := range middleware.NewTierMiddlewares(rateLimitWeight, s.config.KVStore.OperationTimeout, s.limiters, s.logger) {
			if err := s.middlewares.Register(mw, mw.Tier() == ratelimit.TierGeneral); err != nil {
				return err
			}
		}
	}

	return s.middlewares.Finalize()
}

func (s *Service) metricsHealthChecker() types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		return types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"dropped":  s.metrics.Dropped(),
				"failures": s.metrics.Failures(),
			},
		}
	}
}

func (s *Service) register(name string, manager types.LifecycleManager) {
	s.components = append(s.components, component{name: name, manager: manager})
}

// closeBuilt releases resources acquired by a failed build.
func (s *Service) closeBuilt() {
	if s.database != nil {
		if err := s.database.DB().Close(); err != nil {
			s.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}

func (s *Service) Start() (err error) {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error("Service start panic", zap.Any("panic", r), zap.String("stack", string(buf[:n])))
			err = fmt.Errorf("service start panic: %v", r)
		}
		if err != nil {
			s.state.Store(StateStopped)
		}
	}()

	for i, c := range s.components {
		if c.manager.IsRunning() {
			continue
		}
		if startErr := c.manager.Start(); startErr != nil {
			s.stopComponents(s.components[:i])
			return types.Errorf(types.ErrComponentStartFailed, "%s: %v", c.name, startErr)
		}
		s.logger.Debug("Component started", zap.String("component", c.name))
	}

	s.state.Store(StateRunning)
	s.logger.Info("Service started",
		zap.String("name", s.config.Name),
		zap.String("version", s.config.Version),
		zap.String("address", s.server.Addr()))

	return nil
}

// Run starts the service and blocks until SIGINT, SIGTERM or cancellation of
// the service context, then stops it.
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(s.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-signalCtx.Done()
	s.logger.Info("Shutdown requested")

	return s.Stop()
}

func (s *Service) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}
	defer s.state.Store(StateStopped)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopComponents(s.components)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Error("Service shutdown timed out", zap.Duration("timeout", s.shutdownTimeout))
	}

	s.cancel()
	return nil
}

// stopComponents stops components in reverse start order. The logger goes
// last so that every other component can still report its shutdown.
func (s *Service) stopComponents(components []component) {
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if !c.manager.IsRunning() {
			continue
		}
		if err := c.manager.Stop(); err != nil {
			s.logger.Error("Failed to stop component", zap.String("component", c.name), zap.Error(err))
			continue
		}
		s.logger.Debug("Component stopped", zap.String("component", c.name))
	}
}

func (s *Service) IsRunning() bool {
	return s.state.Load() == StateRunning
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) Addr() string {
	return s.server.Addr()
}

func (s *Service) Router() *server.Router {
	return s.router
}

func (s *Service) Health() *health.Manager {
	return s.health
}
