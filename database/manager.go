package database

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
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

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Manager owns the primary-store connection pool.
type Manager struct {
	config *types.DatabaseConfig
	logger types.Logger
	db     *sql.DB
	state  atomic.Value
}

func NewManager(config *types.DatabaseConfig, logger types.Logger) (*Manager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	switch config.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, types.Errorf(types.ErrDatabaseDriverUnknown, "driver: %s", config.Driver)
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, types.Errorf(types.ErrDatabaseOpenFailed, "%v", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, types.Errorf(types.ErrDatabaseOpenFailed, "ping %s: %v", config.Driver, err)
	}

	manager := &Manager{
		config: config,
		logger: logger,
		db:     db,
	}
	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) DB() *sql.DB {
	return m.db
}

func (m *Manager) Driver() string {
	return m.config.Driver
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	stats := m.db.Stats()
	m.logger.Info("Database manager started",
		zap.String("driver", m.config.Driver),
		zap.Int("max_open_conns", stats.MaxOpenConnections))
	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer m.state.Store(StateStopped)

	if err := m.db.Close(); err != nil {
		m.logger.Error("Failed to close database", zap.Error(err))
		return types.WrapError(err, "failed to close database")
	}

	m.logger.Info("Database manager stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load() == StateRunning
}

// Rebind rewrites '?' placeholders to the driver's bind style. Question marks
// inside single-quoted literals are left alone.
func Rebind(driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}
