package middleware

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
)

const (
	LoggingName     = "logging"
	requestIDHeader = "X-Request-ID"
)

// LoggingMiddleware assigns a request id, logs each request and records
// http_requests and http_request_duration.
type LoggingMiddleware struct {
	logger  types.Logger
	metrics types.MetricsSink
	weight  int
}

func NewLoggingMiddleware(weight int, logger types.Logger, sink types.MetricsSink) *LoggingMiddleware {
	return &LoggingMiddleware{
		weight:  weight,
		logger:  logger,
		metrics: metrics.Safe(sink, logger),
	}
}

func (l *LoggingMiddleware) Name() string { return LoggingName }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	start := time.Now()

	requestID := string(ctx.Request.Header.Peek(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
		ctx.Request.Header.Set(requestIDHeader, requestID)
	}
	ctx.Response.Header.Set(requestIDHeader, requestID)

	method := string(ctx.Method())
	path := string(ctx.Path())

	l.logger.Debug("Request started",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("remote_addr", RealIP(ctx)),
		zap.String("request_id", requestID))

	next(ctx)

	duration := time.Since(start)
	status := ctx.Response.StatusCode()

	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("request_id", requestID),
	}

	switch {
	case status >= 500:
		l.logger.Error("Request completed", fields...)
	case status >= 400:
		l.logger.Warn("Request completed", fields...)
	default:
		l.logger.Info("Request completed", fields...)
	}

	statusTag := "status:" + strconv.Itoa(status)
	l.metrics.Count("http_requests", 1, "method:"+method, "path:"+path, statusTag)
	l.metrics.Timing("http_request_duration", duration, "method:"+method, "path:"+path)
}
