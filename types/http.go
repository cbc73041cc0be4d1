package types

import (
	"time"

	"github.com/valyala/fasthttp"
)

type FastHTTPHandler func(ctx *fasthttp.RequestCtx)

type HTTPServer interface {
	LifecycleManager
	HandleRequest(ctx *fasthttp.RequestCtx, handler FastHTTPHandler, config *RouteConfig)
}

type HTTPRouter interface {
	Add(method, path string, handler FastHTTPHandler, config *RouteConfig)
	GetAllRoutes() map[string]*RouteInfo
}

type RouteConfig struct {
	Middlewares         []string
	DisabledMiddlewares []string
	Timeout             time.Duration
}

type RouteInfo struct {
	Handler FastHTTPHandler
	Config  *RouteConfig
}
