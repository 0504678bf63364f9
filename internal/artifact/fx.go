package artifact

import (
	"github.com/smallbiznis/chargeflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("artifact",
	fx.Provide(NewStoreFromConfig),
)

func NewStoreFromConfig(cfg config.Config, log *zap.Logger) Store {
	return NewFileStore(cfg.ArtifactDir, log)
}
