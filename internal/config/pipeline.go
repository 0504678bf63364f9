package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PipelineConfig tunes the charge submission pipeline. Values come from an
// optional pipeline.yml so operators can adjust ceilings without a redeploy.
type PipelineConfig struct {
	PageSize             int           `mapstructure:"pageSize"`
	MaxSubmitRetries     int           `mapstructure:"maxSubmitRetries"`
	MaxCompletionRetries int           `mapstructure:"maxCompletionRetries"`
	ShortDelay           time.Duration `mapstructure:"shortDelay"`
	LongDelay            time.Duration `mapstructure:"longDelay"`
	SplitCharges         bool          `mapstructure:"splitCharges"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PageSize:             100,
		MaxSubmitRetries:     3,
		MaxCompletionRetries: 3,
		ShortDelay:           10 * time.Second,
		LongDelay:            15 * time.Minute,
		SplitCharges:         false,
	}
}

// PipelineHolder exposes the current pipeline config and follows file changes.
type PipelineHolder struct {
	current atomic.Value // holds PipelineConfig
}

func NewPipelineHolder() (*PipelineHolder, error) {
	v := viper.New()

	v.SetConfigName("pipeline")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/chargeflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHARGEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPipelineConfig()
	v.SetDefault("pipeline.pageSize", defaults.PageSize)
	v.SetDefault("pipeline.maxSubmitRetries", defaults.MaxSubmitRetries)
	v.SetDefault("pipeline.maxCompletionRetries", defaults.MaxCompletionRetries)
	v.SetDefault("pipeline.shortDelay", defaults.ShortDelay)
	v.SetDefault("pipeline.longDelay", defaults.LongDelay)
	v.SetDefault("pipeline.splitCharges", defaults.SplitCharges)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PipelineConfig
	if err := v.UnmarshalKey("pipeline", &cfg); err != nil {
		return nil, err
	}
	if err := validatePipelineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PipelineHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PipelineConfig
		if err := v.UnmarshalKey("pipeline", &updated); err != nil {
			log.Printf("[pipeline-config] reload failed: %v", err)
			return
		}
		if err := validatePipelineConfig(updated); err != nil {
			log.Printf("[pipeline-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

func (h *PipelineHolder) Current() PipelineConfig {
	return h.current.Load().(PipelineConfig)
}

// NewStaticPipelineHolder wraps a fixed config, used by tests.
func NewStaticPipelineHolder(cfg PipelineConfig) *PipelineHolder {
	holder := &PipelineHolder{}
	holder.current.Store(cfg)
	return holder
}

func validatePipelineConfig(cfg PipelineConfig) error {
	if cfg.PageSize <= 0 {
		return errors.New("pipeline page size must be positive")
	}
	if cfg.MaxSubmitRetries < 0 || cfg.MaxCompletionRetries < 0 {
		return errors.New("pipeline retry ceilings must not be negative")
	}
	if cfg.ShortDelay < 0 || cfg.LongDelay < 0 {
		return errors.New("pipeline delays must not be negative")
	}
	return nil
}
