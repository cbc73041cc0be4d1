package ratelimit

import (
	"context"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/types"
)

// Tiered holds the general, auth and strict limiters. Tiers are counted
// independently: a request checked against several tiers increments each
// of them and is rejected by any.
type Tiered struct {
	limiters map[Tier]*Limiter
	logger   types.Logger
}

func NewTiered(config *types.RateLimitConfig, store types.KeyValueStore, logger types.Logger, sink types.MetricsSink) (*Tiered, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	policy := Policy{
		KeyPrefix: config.KeyPrefix,
		FailOpen:  config.FailOpen,
	}

	tiers := map[Tier]*types.RateLimitTierConfig{
		TierGeneral: config.General,
		TierAuth:    config.Auth,
		TierStrict:  config.Strict,
	}

	t := &Tiered{
		limiters: make(map[Tier]*Limiter, len(tiers)),
		logger:   logger,
	}

	for tier, tierConfig := range tiers {
		limiter, err := NewLimiter(tier, tierConfig, policy, store, logger, sink)
		if err != nil {
			return nil, err
		}
		t.limiters[tier] = limiter

		logger.Info("Rate limit tier configured",
			zap.String("tier", string(tier)),
			zap.Int64("max", tierConfig.Max),
			zap.Duration("window", tierConfig.Window),
			zap.Bool("fail_open", policy.FailOpen))
	}

	return t, nil
}

func (t *Tiered) Limiter(tier Tier) (*Limiter, bool) {
	limiter, ok := t.limiters[tier]
	return limiter, ok
}

func (t *Tiered) Check(ctx context.Context, tier Tier, clientID string) (Decision, error) {
	limiter, ok := t.limiters[tier]
	if !ok {
		return Decision{Tier: tier}, types.Errorf(types.ErrRateLimitTierUnknown, "tier: %s", tier)
	}
	return limiter.Allow(ctx, clientID)
}
