package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/ratelimit"
	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

const (
	RateLimitName       = "rate-limit"
	RateLimitAuthName   = "rate-limit-auth"
	RateLimitStrictName = "rate-limit-strict"

	defaultCheckTimeout = 2 * time.Second
	rateLimitMessage    = "Too many requests, please try again later."
)

// RateLimitMiddleware enforces one tier of the tiered limiter.
type RateLimitMiddleware struct {
	limiters *ratelimit.Tiered
	logger   types.Logger
	tier     ratelimit.Tier
	name     string
	weight   int
	timeout  time.Duration
}

// NewRateLimitMiddleware bounds each limiter call by timeout; a non-positive
// timeout falls back to two seconds.
func NewRateLimitMiddleware(name string, weight int, tier ratelimit.Tier, timeout time.Duration, limiters *ratelimit.Tiered, logger types.Logger) *RateLimitMiddleware {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	return &RateLimitMiddleware{
		name:     name,
		weight:   weight,
		tier:     tier,
		timeout:  timeout,
		limiters: limiters,
		logger:   logger,
	}
}

// NewTierMiddlewares builds the general, auth and strict middlewares with
// consecutive weights starting at baseWeight.
func NewTierMiddlewares(baseWeight int, timeout time.Duration, limiters *ratelimit.Tiered, logger types.Logger) []*RateLimitMiddleware {
	return []*RateLimitMiddleware{
		NewRateLimitMiddleware(RateLimitName, baseWeight, ratelimit.TierGeneral, timeout, limiters, logger),
		NewRateLimitMiddleware(RateLimitAuthName, baseWeight+1, ratelimit.TierAuth, timeout, limiters, logger),
		NewRateLimitMiddleware(RateLimitStrictName, baseWeight+2, ratelimit.TierStrict, timeout, limiters, logger),
	}
}

func (rl *RateLimitMiddleware) Name() string         { return rl.name }
func (rl *RateLimitMiddleware) Weight() int          { return rl.weight }
func (rl *RateLimitMiddleware) Tier() ratelimit.Tier { return rl.tier }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	clientID := ClientID(ctx)

	checkCtx, cancel := context.WithTimeout(ctx, rl.timeout)
	decision, err := rl.limiters.Check(checkCtx, rl.tier, clientID)
	cancel()

	if err != nil {
		rl.logger.Error("Rate limit check failed",
			zap.String("tier", string(rl.tier)),
			zap.String("client", clientID),
			zap.ByteString("path", ctx.Path()),
			zap.Error(err))

		if types.IsError(err, types.ErrRateLimitBackend) {
			utils.CreateErrorResponse(ctx, fasthttp.StatusServiceUnavailable, "Rate limiting is temporarily unavailable")
			return
		}

		utils.CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "Rate limit check failed")
		return
	}

	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))

	if !decision.Allowed {
		rl.createRateLimitResponse(ctx, decision)
		return
	}

	next(ctx)
}

func (rl *RateLimitMiddleware) createRateLimitResponse(ctx *fasthttp.RequestCtx, decision ratelimit.Decision) {
	retryAfter := decision.RetryAfterSeconds()

	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	utils.WriteJSON(ctx, fasthttp.StatusTooManyRequests, utils.ErrorBody{
		StatusCode: fasthttp.StatusTooManyRequests,
		Error:      fasthttp.StatusMessage(fasthttp.StatusTooManyRequests),
		Message:    rateLimitMessage,
		RetryAfter: &retryAfter,
	})
}
