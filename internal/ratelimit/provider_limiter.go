package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/chargeflow/internal/config"
	"go.uber.org/fx"
)

const keyProviderCalls = "provider:calls:auth:%d"

// Provider API defaults. The provider throttles aggressively, so the local
// bucket stays below its published limits.
const (
	providerRate  = 5.0
	providerBurst = 10
)

// ProviderLimiter throttles outbound billing provider calls per auth
// reference. Disabled (nil redis) means every call is allowed; the provider's
// own 429 responses remain the backstop.
type ProviderLimiter struct {
	bucket *TokenBucket
}

func NewProviderLimiter(cfg config.Config) *ProviderLimiter {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return &ProviderLimiter{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
	return &ProviderLimiter{bucket: NewTokenBucket(client)}
}

func (l *ProviderLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *ProviderLimiter) Allow(ctx context.Context, authID int) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyProviderCalls, authID), providerRate, providerBurst)
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewProviderLimiter),
)
