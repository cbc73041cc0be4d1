package server

import (
	"sort"
	"strings"
	"sync"

	"github.com/saiset-co/sai-school/types"
)

var supportedMethods = map[string]struct{}{
	"GET":     {},
	"POST":    {},
	"PUT":     {},
	"DELETE":  {},
	"PATCH":   {},
	"HEAD":    {},
	"OPTIONS": {},
}

// Router maps exact method and path pairs to handlers.
type Router struct {
	routes map[string]*types.RouteInfo
	paths  map[string][]string
	mu     sync.RWMutex
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[string]*types.RouteInfo),
		paths:  make(map[string][]string),
	}
}

func routeKey(method, path string) string {
	return method + " " + path
}

func (r *Router) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) {
	method = strings.ToUpper(method)
	if _, ok := supportedMethods[method]; !ok || handler == nil {
		return
	}
	if config == nil {
		config = &types.RouteConfig{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := routeKey(method, path)
	if _, exists := r.routes[key]; !exists {
		r.paths[path] = append(r.paths[path], method)
		sort.Strings(r.paths[path])
	}

	r.routes[key] = &types.RouteInfo{
		Handler: handler,
		Config:  config,
	}
}

// Route starts a builder for a single route.
func (r *Router) Route(method, path string, handler types.FastHTTPHandler) *RouteBuilder {
	return &RouteBuilder{
		router:  r,
		method:  method,
		path:    path,
		handler: handler,
		config:  &types.RouteConfig{},
	}
}

// Group starts a builder for routes sharing a prefix and route settings.
func (r *Router) Group(prefix string) *GroupBuilder {
	return &GroupBuilder{
		router: r,
		prefix: strings.TrimRight(prefix, "/"),
		config: &types.RouteConfig{},
	}
}

// Lookup returns the route for method and path. When only the method is
// wrong, allowed lists the methods registered for path.
func (r *Router) Lookup(method, path string) (route *types.RouteInfo, allowed []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if route, ok := r.routes[routeKey(method, path)]; ok {
		return route, nil
	}
	return nil, r.paths[path]
}

func (r *Router) GetAllRoutes() map[string]*types.RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]*types.RouteInfo, len(r.routes))
	for key, route := range r.routes {
		routes[key] = route
	}
	return routes
}
