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

// SettlementTuning holds the knobs operators adjust under load without a redeploy.
type SettlementTuning struct {
	Aggregator AggregatorTuning `mapstructure:"aggregator"`
	Breaker    BreakerTuning    `mapstructure:"breaker"`
}

type AggregatorTuning struct {
	MaxBatchSize int           `mapstructure:"maxBatchSize"`
	MaxWait      time.Duration `mapstructure:"maxWait"`
}

// BreakerTuning is read once when the breaker is built.
type BreakerTuning struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutiveFailures"`
	Window              time.Duration `mapstructure:"window"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	HalfOpenRequests    uint32        `mapstructure:"halfOpenRequests"`
	CallTimeout         time.Duration `mapstructure:"callTimeout"`
}

func DefaultSettlementTuning() SettlementTuning {
	return SettlementTuning{
		Aggregator: AggregatorTuning{
			MaxBatchSize: 100,
			MaxWait:      500 * time.Millisecond,
		},
		Breaker: BreakerTuning{
			ConsecutiveFailures: 5,
			Window:              time.Minute,
			Cooldown:            30 * time.Second,
			HalfOpenRequests:    1,
			CallTimeout:         2 * time.Second,
		},
	}
}

// TuningSource yields the tuning in effect right now.
type TuningSource interface {
	Current() SettlementTuning
}

// StaticTuning is a fixed TuningSource.
type StaticTuning SettlementTuning

func (s StaticTuning) Current() SettlementTuning { return SettlementTuning(s) }

type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementTuning
}

func NewSettlementConfigHolder(cfg Config) (*SettlementConfigHolder, error) {
	v := viper.New()

	if file := strings.TrimSpace(cfg.Settlement.TuningFile); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("settlement")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creditmeter")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREDITMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettlementTuning()
	v.SetDefault("settlement.aggregator.maxBatchSize", defaults.Aggregator.MaxBatchSize)
	v.SetDefault("settlement.aggregator.maxWait", defaults.Aggregator.MaxWait)
	v.SetDefault("settlement.breaker.consecutiveFailures", defaults.Breaker.ConsecutiveFailures)
	v.SetDefault("settlement.breaker.window", defaults.Breaker.Window)
	v.SetDefault("settlement.breaker.cooldown", defaults.Breaker.Cooldown)
	v.SetDefault("settlement.breaker.halfOpenRequests", defaults.Breaker.HalfOpenRequests)
	v.SetDefault("settlement.breaker.callTimeout", defaults.Breaker.CallTimeout)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var tuning SettlementTuning
	if err := v.UnmarshalKey("settlement", &tuning); err != nil {
		return nil, err
	}
	if err := validateSettlementTuning(tuning); err != nil {
		return nil, err
	}

	holder := &SettlementConfigHolder{}
	holder.current.Store(tuning)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated SettlementTuning
			if err := v.UnmarshalKey("settlement", &updated); err != nil {
				log.Printf("[settlement-config] reload failed: %v", err)
				return
			}
			if err := validateSettlementTuning(updated); err != nil {
				log.Printf("[settlement-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[settlement-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *SettlementConfigHolder) Current() SettlementTuning {
	return h.current.Load().(SettlementTuning)
}

func validateSettlementTuning(cfg SettlementTuning) error {
	if cfg.Aggregator.MaxBatchSize <= 0 {
		return errors.New("settlement.aggregator.maxBatchSize must be positive")
	}
	if cfg.Aggregator.MaxWait <= 0 {
		return errors.New("settlement.aggregator.maxWait must be positive")
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		return errors.New("settlement.breaker.consecutiveFailures must be positive")
	}
	if cfg.Breaker.Cooldown <= 0 || cfg.Breaker.CallTimeout <= 0 {
		return errors.New("settlement.breaker cooldown and callTimeout must be positive")
	}
	return nil
}
