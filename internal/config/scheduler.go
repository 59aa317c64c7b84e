package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SchedulerConfig holds the tunables of the recurring billing run loop. It is
// read from scheduler.yml and hot-reloaded on change.
type SchedulerConfig struct {
	RunInterval time.Duration `mapstructure:"runInterval"`
	// CronSpec, when set, replaces the fixed RunInterval ticker.
	CronSpec    string        `mapstructure:"cronSpec"`
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"jobTimeout"`
	TxTimeout   time.Duration `mapstructure:"txTimeout"`
	LockTimeout time.Duration `mapstructure:"lockTimeout"`

	Projection ProjectionConfig `mapstructure:"projection"`
}

type ProjectionConfig struct {
	MaxIterations int           `mapstructure:"maxIterations"`
	HistoryLimit  int           `mapstructure:"historyLimit"`
	CacheTTL      time.Duration `mapstructure:"cacheTTL"`
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RunInterval: time.Hour,
		Concurrency: 4,
		JobTimeout:  10 * time.Minute,
		TxTimeout:   10 * time.Second,
		LockTimeout: 5 * time.Second,
		Projection: ProjectionConfig{
			MaxIterations: 12,
			HistoryLimit:  12,
			CacheTTL:      5 * time.Minute,
		},
	}
}

type SchedulerConfigHolder struct {
	current atomic.Value // holds SchedulerConfig
}

// NewStaticSchedulerConfigHolder returns a holder that never reloads.
func NewStaticSchedulerConfigHolder(cfg SchedulerConfig) *SchedulerConfigHolder {
	holder := &SchedulerConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewSchedulerConfigHolder(log *zap.Logger) (*SchedulerConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("scheduler-config")

	v := viper.New()
	v.SetConfigName("scheduler")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/recurra/config")
	v.AddConfigPath("/etc/recurra")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECURRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSchedulerConfig()
	v.SetDefault("scheduler.runInterval", defaults.RunInterval)
	v.SetDefault("scheduler.cronSpec", defaults.CronSpec)
	v.SetDefault("scheduler.concurrency", defaults.Concurrency)
	v.SetDefault("scheduler.jobTimeout", defaults.JobTimeout)
	v.SetDefault("scheduler.txTimeout", defaults.TxTimeout)
	v.SetDefault("scheduler.lockTimeout", defaults.LockTimeout)
	v.SetDefault("scheduler.projection.maxIterations", defaults.Projection.MaxIterations)
	v.SetDefault("scheduler.projection.historyLimit", defaults.Projection.HistoryLimit)
	v.SetDefault("scheduler.projection.cacheTTL", defaults.Projection.CacheTTL)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg SchedulerConfig
	if err := v.UnmarshalKey("scheduler", &cfg); err != nil {
		return nil, err
	}
	if err := validateSchedulerConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticSchedulerConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated SchedulerConfig
		if err := v.UnmarshalKey("scheduler", &updated); err != nil {
			log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validateSchedulerConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *SchedulerConfigHolder) Get() SchedulerConfig {
	return h.current.Load().(SchedulerConfig)
}

func validateSchedulerConfig(cfg SchedulerConfig) error {
	if cfg.RunInterval <= 0 && strings.TrimSpace(cfg.CronSpec) == "" {
		return errors.New("scheduler.runInterval or scheduler.cronSpec is required")
	}
	if cfg.Concurrency <= 0 {
		return errors.New("scheduler.concurrency must be positive")
	}
	if cfg.TxTimeout <= 0 {
		return errors.New("scheduler.txTimeout must be positive")
	}
	if cfg.LockTimeout <= 0 || cfg.LockTimeout > cfg.TxTimeout {
		return errors.New("scheduler.lockTimeout must be positive and not exceed txTimeout")
	}
	if cfg.Projection.MaxIterations <= 0 {
		return errors.New("scheduler.projection.maxIterations must be positive")
	}
	return nil
}
