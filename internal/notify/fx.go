package notify

import (
	"github.com/smallbiznis/chargeflow/internal/config"
	"github.com/smallbiznis/chargeflow/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify",
	fx.Provide(
		NewProviderFromConfig,
		NewNotifierFromConfig,
	),
)

func NewProviderFromConfig(cfg config.Config) Provider {
	if cfg.SMTPHost == "" {
		return &NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}

func NewNotifierFromConfig(provider Provider, cfg config.Config, m *metrics.Pipeline, log *zap.Logger) *Notifier {
	return NewNotifier(provider, cfg.ChargeNotifyAddresses, m, log)
}
