package types

import "github.com/valyala/fasthttp"

type MiddlewareManager interface {
	Register(middleware Middleware, enabledByDefault bool) error
	Finalize() error
	Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *RouteConfig)
}

type Middleware interface {
	Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *RouteConfig)
	Name() string
	Weight() int
}

type MiddlewareEntry struct {
	Name       string
	Middleware Middleware
	Weight     int
	Default    bool
}
