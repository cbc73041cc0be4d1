package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
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

type Job func(ctx context.Context) error

// Manager runs named periodic jobs. A job that is still running when its next
// tick fires is skipped; panics are recovered and reported as failures.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsSink
	cron            *cron.Cron
	jobs            map[string]cron.EntryID
	mu              sync.Mutex
	state           atomic.Value
	shutdownTimeout time.Duration
	jobTimeout      time.Duration
}

func NewManager(ctx context.Context, logger types.Logger, metrics types.MetricsSink) *Manager {
	cronL := safeCronLogger{logger: logger}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronL), cron.SkipIfStillRunning(cronL)),
		),
		jobs:            make(map[string]cron.EntryID),
		shutdownTimeout: 10 * time.Second,
		jobTimeout:      30 * time.Second,
	}

	manager.state.Store(StateStopped)
	return manager
}

// Every schedules job at a fixed interval.
func (m *Manager) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return types.Errorf(types.ErrInvalidParameter, "job %s: interval must be positive", name)
	}
	return m.Add(name, "@every "+interval.String(), job)
}

func (m *Manager) Add(name, spec string, job Job) error {
	if name == "" || spec == "" || job == nil {
		return types.Errorf(types.ErrInvalidParameter, "job name, spec and func are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[name]; exists {
		return types.Errorf(types.ErrInvalidParameter, "job %s already registered", name)
	}

	entryID, err := m.cron.AddFunc(spec, m.wrapJob(name, job))
	if err != nil {
		return types.Errorf(types.ErrInvalidParameter, "job %s: invalid spec %q: %v", name, spec, err)
	}

	m.jobs[name] = entryID
	m.logger.Debug("Cron job registered", zap.String("job_name", name), zap.String("spec", spec))
	return nil
}

// Run executes a registered job's body once, outside the schedule.
func (m *Manager) Run(name string) bool {
	m.mu.Lock()
	entryID, exists := m.jobs[name]
	m.mu.Unlock()

	if !exists {
		return false
	}

	m.cron.Entry(entryID).WrappedJob.Run()
	return true
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.cron.Start()
	m.state.Store(StateRunning)

	m.logger.Info("Cron manager started", zap.Int("jobs", len(m.jobs)))
	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer m.state.Store(StateStopped)

	m.cancel()
	stopCtx := m.cron.Stop()

	select {
	case <-stopCtx.Done():
		m.logger.Info("Cron manager stopped")
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cron manager stop timeout, some jobs may still be running")
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load() == StateRunning
}

func (m *Manager) wrapJob(name string, job Job) func() {
	return func() {
		start := time.Now()

		jobCtx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
		defer cancel()

		err := runJob(jobCtx, job)
		duration := time.Since(start)

		result := "success"
		if err != nil {
			result = "error"
			m.logger.Warn("Cron job failed",
				zap.String("job_name", name),
				zap.Duration("duration", duration),
				zap.Error(err))
		} else {
			m.logger.Debug("Cron job completed",
				zap.String("job_name", name),
				zap.Duration("duration", duration))
		}

		m.metrics.Count("cron_job_runs", 1, "job:"+name, "result:"+result)
		m.metrics.Timing("cron_job_duration", duration, "job:"+name)
	}
}

func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()

	return job(ctx)
}

type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, toFields(keysAndValues)...)
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(toFields(keysAndValues), zap.Error(err))
	l.logger.Error(msg, fields...)
}

func toFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
