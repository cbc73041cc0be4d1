package middleware

import (
	"runtime"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

const RecoveryName = "recovery"

type RecoveryMiddleware struct {
	logger       types.Logger
	metrics      types.MetricsSink
	stackTrace   bool
	weight       int
	stackBufPool sync.Pool
}

func NewRecoveryMiddleware(weight int, stackTrace bool, logger types.Logger, sink types.MetricsSink) *RecoveryMiddleware {
	return &RecoveryMiddleware{
		weight:     weight,
		stackTrace: stackTrace,
		logger:     logger,
		metrics:    metrics.Safe(sink, logger),
		stackBufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

func (r *RecoveryMiddleware) Name() string { return RecoveryName }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logPanic(ctx, rec)
			r.metrics.Count("http_panics", 1, "path:"+string(ctx.Path()))

			ctx.Response.Reset()
			utils.CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "Internal server error")
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) logPanic(ctx *fasthttp.RequestCtx, rec interface{}) {
	fields := []zap.Field{
		zap.Any("panic", rec),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", RealIP(ctx)),
	}

	if requestID := ctx.Request.Header.Peek(requestIDHeader); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	if r.stackTrace {
		fields = append(fields, zap.String("stack", r.getStackTrace()))
	}

	r.logger.Error("Recovered from panic", fields...)
}

func (r *RecoveryMiddleware) getStackTrace() string {
	buf := r.stackBufPool.Get().(*[]byte)
	defer r.stackBufPool.Put(buf)

	n := runtime.Stack(*buf, false)
	if n < len(*buf) {
		return string((*buf)[:n])
	}

	large := make([]byte, 65536)
	n = runtime.Stack(large, false)
	return string(large[:n])
}
