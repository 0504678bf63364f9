package billingapi

import (
	"github.com/smallbiznis/chargeflow/internal/config"
	"github.com/smallbiznis/chargeflow/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billingapi",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, limiter *ratelimit.ProviderLimiter, log *zap.Logger) Client {
	return NewHTTPClient(cfg.ProviderBaseURL, limiter, log)
}
