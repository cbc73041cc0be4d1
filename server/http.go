package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultShutdownTimeout = 5 * time.Second

type FastHTTPServer struct {
	config          *types.HTTPConfig
	logger          types.Logger
	middlewares     types.MiddlewareManager
	router          *Router
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(config *types.HTTPConfig, logger types.Logger, middlewares types.MiddlewareManager, router *Router) (*FastHTTPServer, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	shutdownTimeout := time.Duration(config.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	server := &FastHTTPServer{
		config:          config,
		logger:          logger,
		middlewares:     middlewares,
		router:          router,
		shutdownTimeout: shutdownTimeout,
	}
	server.state.Store(StateStopped)

	return server, nil
}

func (h *FastHTTPServer) Start() error {
	if !h.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		h.state.Store(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}

	h.listener = listener
	h.server = &fasthttp.Server{
		Handler:                      h.Handler(),
		Name:                         "sai-school",
		ReadTimeout:                  time.Duration(h.config.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.config.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.config.IdleTimeout) * time.Second,
		MaxRequestBodySize:           h.config.MaxBodySize,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	go func() {
		if err := h.server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.state.Store(StateStopped)
		}
	}()

	h.state.Store(StateRunning)
	h.logger.Info("HTTP server started", zap.String("address", listener.Addr().String()))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer h.state.Store(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		h.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return types.WrapError(err, "failed to shutdown HTTP server")
	}

	h.logger.Info("HTTP server stopped")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.state.Load() == StateRunning
}

// Addr is the bound listen address, empty before Start.
func (h *FastHTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *FastHTTPServer) HandleRequest(ctx *fasthttp.RequestCtx, handler types.FastHTTPHandler, config *types.RouteConfig) {
	h.middlewares.Execute(ctx, handler, config)
}

// Handler dispatches to registered routes through the middleware chain.
func (h *FastHTTPServer) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		route, allowed := h.router.Lookup(string(ctx.Method()), string(ctx.Path()))
		if route == nil {
			if len(allowed) > 0 {
				ctx.Response.Header.Set("Allow", strings.Join(allowed, ", "))
				utils.CreateErrorResponse(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			utils.CreateErrorResponse(ctx, fasthttp.StatusNotFound, "Route not found")
			return
		}

		handler := route.Handler
		if route.Config.Timeout > 0 {
			handler = types.FastHTTPHandler(fasthttp.TimeoutHandler(fasthttp.RequestHandler(route.Handler), route.Config.Timeout, "Request timeout"))
		}

		h.HandleRequest(ctx, handler, route.Config)
	}
}
