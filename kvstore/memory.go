package kvstore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

const defaultCleanupInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process KeyValueStore with lazy expiry and a
// background janitor. Counters are stored as decimal strings like Redis does.
type MemoryStore struct {
	logger          types.Logger
	now             func() time.Time
	data            map[string]*memoryEntry
	mu              sync.Mutex
	state           atomic.Value
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, letting tests move windows and TTLs forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// WithCleanupInterval sets the janitor period. Non-positive values keep the
// default.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if interval > 0 {
			m.cleanupInterval = interval
		}
	}
}

func NewMemoryStore(logger types.Logger, opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		logger:          logger,
		now:             time.Now,
		data:            make(map[string]*memoryEntry),
		cleanupInterval: defaultCleanupInterval,
	}

	for _, opt := range opts {
		opt(store)
	}

	store.state.Store(StateStopped)
	return store
}

func (m *MemoryStore) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	m.stopCleanup = make(chan struct{})
	m.cleanupDone = make(chan struct{})
	go m.cleanupLoop(m.stopCleanup, m.cleanupDone)

	m.logger.Info("Memory kv store started", zap.Duration("cleanup_interval", m.cleanupInterval))
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer m.state.Store(StateStopped)

	close(m.stopCleanup)
	<-m.cleanupDone

	m.mu.Lock()
	m.data = make(map[string]*memoryEntry)
	m.mu.Unlock()

	m.logger.Info("Memory kv store stopped")
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.state.Load() == StateRunning
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if key == "" {
		return nil, false, types.ErrKVStoreKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookupUnsafe(key)
	if !ok {
		return nil, false, nil
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return types.ErrKVStoreKeyEmpty
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	entry := &memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.data[key] = entry
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	for _, key := range keys {
		delete(m.data, key)
	}
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if prefix == "" {
		return 0, types.ErrKVStoreKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			delete(m.data, key)
			deleted++
		}
	}

	return deleted, nil
}

func (m *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (types.WindowCounter, error) {
	if err := ctx.Err(); err != nil {
		return types.WindowCounter{}, err
	}
	if key == "" {
		return types.WindowCounter{}, types.ErrKVStoreKeyEmpty
	}
	if ttl < time.Millisecond {
		return types.WindowCounter{}, types.Errorf(types.ErrInvalidParameter, "ttl %s below 1ms", ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var count int64
	entry, ok := m.lookupUnsafe(key)
	if ok {
		current, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return types.WindowCounter{}, types.Errorf(types.ErrKVStoreOperationFailed, "increment %s: value is not an integer", key)
		}
		count = current
	} else {
		entry = &memoryEntry{}
		m.data[key] = entry
	}

	count++
	entry.value = strconv.AppendInt(entry.value[:0], count, 10)
	if count == 1 || entry.expiresAt.IsZero() {
		entry.expiresAt = now.Add(ttl)
	}

	return types.WindowCounter{Count: count, TTL: entry.expiresAt.Sub(now)}, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len reports live entries; used by tests to observe key proliferation.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, entry := range m.data {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) lookupUnsafe(key string) (*memoryEntry, bool) {
	entry, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if entry.expired(m.now()) {
		delete(m.data, key)
		return nil, false
	}
	return entry, true
}

func (m *MemoryStore) cleanupLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryStore) cleanup() {
	m.mu.Lock()
	now := m.now()
	expiredCount := 0
	for key, entry := range m.data {
		if entry.expired(now) {
			delete(m.data, key)
			expiredCount++
		}
	}
	m.mu.Unlock()

	if expiredCount > 0 {
		m.logger.Debug("Cleanup completed", zap.Int("expired_entries", expiredCount))
	}
}
