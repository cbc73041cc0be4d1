package middleware

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

const MaxMiddlewares = 64

type chainHandler func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig)

// Manager runs registered middlewares in ascending weight order. Default
// middlewares apply to every route unless disabled by name; the rest run
// only on routes that list them.
type Manager struct {
	logger             types.Logger
	registry           map[string]*types.MiddlewareEntry
	orderedMiddlewares []types.MiddlewareEntry
	nameToIndex        map[string]int
	defaultEnabledMask uint64
	compiledChains     map[uint64]chainHandler
	unknownNames       sync.Map
	chainsMu           sync.RWMutex
	mu                 sync.Mutex
	initialized        atomic.Bool
}

func NewManager(logger types.Logger) *Manager {
	return &Manager{
		logger:         logger,
		registry:       make(map[string]*types.MiddlewareEntry),
		nameToIndex:    make(map[string]int),
		compiledChains: make(map[uint64]chainHandler),
	}
}

func (m *Manager) Register(middleware types.Middleware, enabledByDefault bool) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}

	if m.initialized.Load() {
		return types.Errorf(types.ErrInvalidState, "cannot register %s after finalization", middleware.Name())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.registry) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	name := middleware.Name()
	if _, exists := m.registry[name]; exists {
		return types.Errorf(types.ErrMiddlewareDuplicate, "name: %s", name)
	}

	m.registry[name] = &types.MiddlewareEntry{
		Name:       name,
		Middleware: middleware,
		Weight:     middleware.Weight(),
		Default:    enabledByDefault,
	}

	m.logger.Info("Middleware registered",
		zap.String("name", name),
		zap.Int("weight", middleware.Weight()),
		zap.Bool("default", enabledByDefault))

	return nil
}

// Finalize freezes the registry and fixes the execution order.
func (m *Manager) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized.Load() {
		return types.Errorf(types.ErrInvalidState, "configuration already finalized")
	}

	weights := make(map[int]string, len(m.registry))
	for name, entry := range m.registry {
		if existing, exists := weights[entry.Weight]; exists {
			return types.Errorf(types.ErrMiddlewareDuplicate, "weight %d for middlewares '%s' and '%s'", entry.Weight, existing, name)
		}
		weights[entry.Weight] = name
	}

	m.orderedMiddlewares = make([]types.MiddlewareEntry, 0, len(m.registry))
	for _, entry := range m.registry {
		m.orderedMiddlewares = append(m.orderedMiddlewares, *entry)
	}

	sort.Slice(m.orderedMiddlewares, func(i, j int) bool {
		return m.orderedMiddlewares[i].Weight < m.orderedMiddlewares[j].Weight
	})

	m.defaultEnabledMask = 0
	for i, entry := range m.orderedMiddlewares {
		m.nameToIndex[entry.Name] = i
		if entry.Default {
			m.defaultEnabledMask |= 1 << uint(i)
		}
	}

	m.registry = nil
	m.initialized.Store(true)

	return nil
}

// Names lists middlewares in execution order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.orderedMiddlewares))
	for _, entry := range m.orderedMiddlewares {
		names = append(names, entry.Name)
	}
	return names
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if !m.initialized.Load() {
		handler(ctx)
		return
	}

	mask := m.routeMask(config)
	if mask == 0 {
		handler(ctx)
		return
	}

	m.chain(mask)(ctx, handler, config)
}

func (m *Manager) routeMask(config *types.RouteConfig) uint64 {
	mask := m.defaultEnabledMask
	if config == nil {
		return mask
	}

	for _, name := range config.Middlewares {
		if index, exists := m.nameToIndex[name]; exists {
			mask |= 1 << uint(index)
		} else if _, reported := m.unknownNames.LoadOrStore(name, struct{}{}); !reported {
			m.logger.Warn("Route references unknown middleware", zap.String("name", name))
		}
	}

	for _, name := range config.DisabledMiddlewares {
		if index, exists := m.nameToIndex[name]; exists {
			mask &^= 1 << uint(index)
		}
	}

	return mask
}

func (m *Manager) chain(mask uint64) chainHandler {
	m.chainsMu.RLock()
	compiled, ok := m.compiledChains[mask]
	m.chainsMu.RUnlock()
	if ok {
		return compiled
	}

	active := make([]types.Middleware, 0, len(m.orderedMiddlewares))
	for i, entry := range m.orderedMiddlewares {
		if mask&(1<<uint(i)) != 0 {
			active = append(active, entry.Middleware)
		}
	}

	compiled = compileChain(active)

	m.chainsMu.Lock()
	m.compiledChains[mask] = compiled
	m.chainsMu.Unlock()

	return compiled
}

func compileChain(middlewares []types.Middleware) chainHandler {
	return func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
		var index int

		var next func(*fasthttp.RequestCtx)
		next = func(ctx *fasthttp.RequestCtx) {
			if index >= len(middlewares) {
				handler(ctx)
				return
			}

			mw := middlewares[index]
			index++
			mw.Handle(ctx, next, config)
		}

		next(ctx)
	}
}
