package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
)

type Tier string

const (
	TierGeneral Tier = "general"
	TierAuth    Tier = "auth"
	TierStrict  Tier = "strict"
)

const (
	DefaultKeyPrefix = "ratelimit"
	unknownClient    = "unknown"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Tier       Tier
	Allowed    bool
	Count      int64
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds up to whole seconds, never below one.
func (d Decision) RetryAfterSeconds() int64 {
	seconds := int64(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Policy is shared by every tier.
type Policy struct {
	KeyPrefix string
	// FailOpen admits requests when the counter store is unreachable.
	FailOpen bool
}

// Limiter is a fixed-window counter for a single tier. The window starts with
// the first request of a client and is enforced entirely by the counter's
// expiry in the store.
type Limiter struct {
	tier    Tier
	max     int64
	window  time.Duration
	policy  Policy
	store   types.KeyValueStore
	logger  types.Logger
	metrics types.MetricsSink
}

func NewLimiter(tier Tier, config *types.RateLimitTierConfig, policy Policy, store types.KeyValueStore, logger types.Logger, sink types.MetricsSink) (*Limiter, error) {
	if config == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "tier %s", tier)
	}
	if config.Max < 1 || config.Window <= 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "tier %s: max %d, window %s", tier, config.Max, config.Window)
	}
	if store == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "tier %s: store is nil", tier)
	}
	if policy.KeyPrefix == "" {
		policy.KeyPrefix = DefaultKeyPrefix
	}

	return &Limiter{
		tier:    tier,
		max:     config.Max,
		window:  config.Window,
		policy:  policy,
		store:   store,
		logger:  logger,
		metrics: metrics.Safe(sink, logger),
	}, nil
}

func (l *Limiter) Tier() Tier            { return l.tier }
func (l *Limiter) Max() int64            { return l.max }
func (l *Limiter) Window() time.Duration { return l.window }

// Key is `<prefix>:<tier>:<clientId>`.
func (l *Limiter) Key(clientID string) string {
	if clientID == "" {
		clientID = unknownClient
	}
	return l.policy.KeyPrefix + ":" + string(l.tier) + ":" + clientID
}

// Allow counts one request for clientID. Every call is counted, rejected ones
// included, so a rejected client stays rejected until the window expires.
// A store failure returns an error wrapping ErrRateLimitBackend unless the
// policy fails open.
func (l *Limiter) Allow(ctx context.Context, clientID string) (Decision, error) {
	start := time.Now()
	tierTag := "tier:" + string(l.tier)

	decision := Decision{
		Tier:  l.tier,
		Limit: l.max,
	}

	counter, err := l.store.IncrementWithExpiry(ctx, l.Key(clientID), l.window)
	if err != nil {
		l.metrics.Count("rate_limit_backend_errors", 1, tierTag)

		if l.policy.FailOpen {
			l.logger.Warn("Rate limit backend unavailable, admitting request",
				zap.String("tier", string(l.tier)),
				zap.String("client", clientID),
				zap.Error(err))

			decision.Allowed = true
			decision.Remaining = l.max
			l.metrics.Timing("rate_limit_latency", time.Since(start), tierTag, "outcome:fail_open")
			return decision, nil
		}

		l.logger.Error("Rate limit backend unavailable, rejecting request",
			zap.String("tier", string(l.tier)),
			zap.String("client", clientID),
			zap.Error(err))

		l.metrics.Timing("rate_limit_latency", time.Since(start), tierTag, "outcome:error")
		return decision, fmt.Errorf("%w: %w", types.ErrRateLimitBackend, err)
	}

	decision.Count = counter.Count
	decision.Allowed = counter.Count <= l.max
	decision.Remaining = max(l.max-counter.Count, 0)

	l.metrics.Count("rate_limit_attempts", 1, tierTag, "count:"+l.countBucket(counter.Count))

	outcome := "allowed"
	if !decision.Allowed {
		outcome = "blocked"
		decision.RetryAfter = counter.TTL
		if decision.RetryAfter <= 0 || decision.RetryAfter > l.window {
			decision.RetryAfter = l.window
		}

		l.metrics.Count("rate_limit_blocked", 1, tierTag)
		l.logger.Debug("Rate limit exceeded",
			zap.String("tier", string(l.tier)),
			zap.String("client", clientID),
			zap.Int64("count", counter.Count),
			zap.Int64("limit", l.max),
			zap.Duration("retry_after", decision.RetryAfter))
	}

	l.metrics.Timing("rate_limit_latency", time.Since(start), tierTag, "outcome:"+outcome)

	return decision, nil
}

// countBucket keeps the count tag bounded by the tier maximum.
func (l *Limiter) countBucket(count int64) string {
	if count > l.max {
		return "over"
	}
	return strconv.FormatInt(count, 10)
}
