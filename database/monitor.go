package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Stats struct {
	Queries           int64         `json:"queries"`
	Errors            int64         `json:"errors"`
	Transactions      int64         `json:"transactions"`
	TotalDuration     time.Duration `json:"total_duration"`
	AverageDuration   time.Duration `json:"average_duration"`
	LastProbe         time.Time     `json:"last_probe,omitempty"`
	LastProbeDuration time.Duration `json:"last_probe_duration"`
	LastProbeError    string        `json:"last_probe_error,omitempty"`
	OpenConnections   int           `json:"open_connections"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
}

type probeResult struct {
	at       time.Time
	duration time.Duration
	err      error
}

// Monitor instruments every primary-store call with latency and error
// metrics and keeps process-local counters for diagnostics. Errors from the
// store are always returned unchanged.
type Monitor struct {
	db           *sql.DB
	driver       string
	logger       types.Logger
	metrics      types.MetricsSink
	queryTimeout time.Duration
	probeTimeout time.Duration
	queries      atomic.Int64
	errors       atomic.Int64
	transactions atomic.Int64
	totalNanos   atomic.Int64
	lastProbe    probeResult
	probeMu      sync.RWMutex
}

func NewMonitor(db *sql.DB, config *types.DatabaseConfig, logger types.Logger, sink types.MetricsSink) *Monitor {
	monitor := &Monitor{
		db:           db,
		logger:       logger,
		metrics:      metrics.Safe(sink, logger),
		probeTimeout: 5 * time.Second,
	}

	if config != nil {
		monitor.driver = config.Driver
		monitor.queryTimeout = config.QueryTimeout
	}

	return monitor
}

func (m *Monitor) DB() *sql.DB {
	return m.db
}

// Rebind adapts '?' placeholders to the monitored driver.
func (m *Monitor) Rebind(query string) string {
	return Rebind(m.driver, query)
}

// Exec runs fn against the pool with instrumentation.
func (m *Monitor) Exec(ctx context.Context, operation, entity string, fn func(ctx context.Context, q Querier) error) error {
	_, err := Query(ctx, m, operation, entity, func(ctx context.Context, q Querier) (struct{}, error) {
		return struct{}{}, fn(ctx, q)
	})
	return err
}

// Query times fn, emits a duration sample tagged with the outcome and, on
// failure, an error sample tagged with the error kind.
func Query[R any](ctx context.Context, m *Monitor, operation, entity string, fn func(ctx context.Context, q Querier) (R, error)) (R, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result, err := fn(ctx, m.db)
	m.observe(operation, entity, time.Since(start), err)

	return result, err
}

// Transaction runs fn inside BEGIN/COMMIT. Any error or panic from fn rolls
// the transaction back; panics are re-raised after instrumentation.
func Transaction[R any](ctx context.Context, m *Monitor, operation, entity string, fn func(ctx context.Context, tx *sql.Tx) (R, error)) (result R, err error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.observe(operation, entity, time.Since(start), err)
		return result, err
	}

	defer func() {
		if p := recover(); p != nil {
			m.rollback(tx, operation)
			m.observe(operation, entity, time.Since(start), fmt.Errorf("transaction panic: %v", p))
			panic(p)
		}
	}()

	result, err = fn(ctx, tx)
	if err != nil {
		m.rollback(tx, operation)
		m.observe(operation, entity, time.Since(start), err)
		var zero R
		return zero, err
	}

	if err = tx.Commit(); err != nil {
		m.observe(operation, entity, time.Since(start), err)
		var zero R
		return zero, err
	}

	m.transactions.Add(1)
	m.observe(operation, entity, time.Since(start), nil)

	return result, nil
}

func (m *Monitor) rollback(tx *sql.Tx, operation string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		m.logger.Warn("Transaction rollback failed", zap.String("operation", operation), zap.Error(err))
	}
}

func (m *Monitor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.queryTimeout)
}

func (m *Monitor) observe(operation, entity string, duration time.Duration, err error) {
	m.queries.Add(1)
	m.totalNanos.Add(int64(duration))

	status := "success"
	if err != nil {
		status = "error"
		m.errors.Add(1)
		m.metrics.Count("db_query_errors", 1, "operation:"+operation, "entity:"+entity, "kind:"+ErrorKind(err))
		m.logger.Debug("Database operation failed",
			zap.String("operation", operation),
			zap.String("entity", entity),
			zap.Duration("duration", duration),
			zap.Error(err))
	}

	m.metrics.Timing("db_query_duration", duration, "operation:"+operation, "entity:"+entity, "status:"+status)
}

// Probe performs a trivial round trip. It succeeds or returns an error
// wrapping ErrDatabaseProbeFailed.
func (m *Monitor) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	var one int
	err := m.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	duration := time.Since(start)

	status, up := "success", 1.0
	if err != nil {
		status, up = "error", 0
	}

	m.metrics.Timing("db_probe_duration", duration, "status:"+status)
	m.metrics.Gauge("db_probe_up", up)

	stats := m.db.Stats()
	m.metrics.Gauge("db_open_connections", float64(stats.OpenConnections))
	m.metrics.Gauge("db_in_use_connections", float64(stats.InUse))

	m.probeMu.Lock()
	m.lastProbe = probeResult{at: time.Now(), duration: duration, err: err}
	m.probeMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrDatabaseProbeFailed, err)
	}
	return nil
}

func (m *Monitor) Stats() Stats {
	queries := m.queries.Load()
	total := time.Duration(m.totalNanos.Load())

	stats := Stats{
		Queries:       queries,
		Errors:        m.errors.Load(),
		Transactions:  m.transactions.Load(),
		TotalDuration: total,
	}
	if queries > 0 {
		stats.AverageDuration = total / time.Duration(queries)
	}

	m.probeMu.RLock()
	stats.LastProbe = m.lastProbe.at
	stats.LastProbeDuration = m.lastProbe.duration
	if m.lastProbe.err != nil {
		stats.LastProbeError = m.lastProbe.err.Error()
	}
	m.probeMu.RUnlock()

	pool := m.db.Stats()
	stats.OpenConnections = pool.OpenConnections
	stats.InUse = pool.InUse
	stats.Idle = pool.Idle

	return stats
}

// HealthChecker probes on demand and reports the local counters as details.
func (m *Monitor) HealthChecker() types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		err := m.Probe(ctx)
		stats := m.Stats()

		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"queries":             stats.Queries,
				"errors":              stats.Errors,
				"transactions":        stats.Transactions,
				"average_duration_ms": float64(stats.AverageDuration) / float64(time.Millisecond),
				"open_connections":    stats.OpenConnections,
				"probe_duration_ms":   float64(stats.LastProbeDuration) / float64(time.Millisecond),
			},
		}

		if err != nil {
			check.Status = types.StatusUnhealthy
			check.Message = err.Error()
		}

		return check
	}
}

// ErrorKind classifies an error for metric tags.
func ErrorKind(err error) string {
	var pqErr *pq.Error
	var sqliteErr sqlite3.Error

	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, types.ErrResourceNotFound):
		return "not_found"
	case errors.Is(err, sql.ErrTxDone):
		return "tx_done"
	case errors.Is(err, sql.ErrConnDone):
		return "conn_done"
	case errors.As(err, &pqErr):
		return "pg_" + pqErr.Code.Class().Name()
	case errors.As(err, &sqliteErr):
		return "sqlite_" + sqliteKind(sqliteErr)
	default:
		return fmt.Sprintf("%T", err)
	}
}

func sqliteKind(err sqlite3.Error) string {
	switch err.Code {
	case sqlite3.ErrConstraint:
		return "constraint"
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return "busy"
	case sqlite3.ErrError:
		return "error"
	default:
		return strconv.Itoa(int(err.Code))
	}
}
