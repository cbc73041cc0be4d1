package server

import (
	"time"

	"github.com/saiset-co/sai-school/types"
)

type RouteBuilder struct {
	router  *Router
	method  string
	path    string
	handler types.FastHTTPHandler
	config  *types.RouteConfig
}

func (rb *RouteBuilder) WithMiddlewares(names ...string) *RouteBuilder {
	rb.config.Middlewares = append(rb.config.Middlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithoutMiddlewares(names ...string) *RouteBuilder {
	rb.config.DisabledMiddlewares = append(rb.config.DisabledMiddlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithTimeout(duration time.Duration) *RouteBuilder {
	rb.config.Timeout = duration
	return rb
}

// Register adds the route with a private copy of its settings.
func (rb *RouteBuilder) Register() {
	configCopy := &types.RouteConfig{
		Middlewares:         append([]string(nil), rb.config.Middlewares...),
		DisabledMiddlewares: append([]string(nil), rb.config.DisabledMiddlewares...),
		Timeout:             rb.config.Timeout,
	}

	rb.router.Add(rb.method, rb.path, rb.handler, configCopy)
}

type GroupBuilder struct {
	router *Router
	prefix string
	config *types.RouteConfig
}

func (gb *GroupBuilder) WithMiddlewares(names ...string) *GroupBuilder {
	gb.config.Middlewares = append(gb.config.Middlewares, names...)
	return gb
}

func (gb *GroupBuilder) WithoutMiddlewares(names ...string) *GroupBuilder {
	gb.config.DisabledMiddlewares = append(gb.config.DisabledMiddlewares, names...)
	return gb
}

func (gb *GroupBuilder) WithTimeout(duration time.Duration) *GroupBuilder {
	gb.config.Timeout = duration
	return gb
}

// Route inherits the group's settings; route-level calls add to them.
func (gb *GroupBuilder) Route(method, path string, handler types.FastHTTPHandler) *RouteBuilder {
	rb := gb.router.Route(method, gb.prefix+path, handler)

	rb.config.Middlewares = append(rb.config.Middlewares, gb.config.Middlewares...)
	rb.config.DisabledMiddlewares = append(rb.config.DisabledMiddlewares, gb.config.DisabledMiddlewares...)
	rb.config.Timeout = gb.config.Timeout

	return rb
}
