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

// SeverityBands are utilization percentages at which an alert opens.
type SeverityBands struct {
	Medium   float64 `mapstructure:"medium"`
	High     float64 `mapstructure:"high"`
	Critical float64 `mapstructure:"critical"`
}

// ExpirationWindows are days-until-expiration at which an alert opens.
type ExpirationWindows struct {
	Medium   int `mapstructure:"medium"`
	High     int `mapstructure:"high"`
	Critical int `mapstructure:"critical"`
}

// Thresholds drive alert severities and scaling defaults.
type Thresholds struct {
	Utilization          SeverityBands     `mapstructure:"utilization"`
	Expiration           ExpirationWindows `mapstructure:"expiration"`
	ComplianceNoticeDays int               `mapstructure:"complianceNoticeDays"`
	ScalingCooldown      time.Duration     `mapstructure:"scalingCooldown"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Utilization:          SeverityBands{Medium: 75, High: 90, Critical: 100},
		Expiration:           ExpirationWindows{Medium: 90, High: 30, Critical: 0},
		ComplianceNoticeDays: 30,
		ScalingCooldown:      5 * time.Minute,
	}
}

type ThresholdsHolder struct {
	current atomic.Value // holds Thresholds
}

// NewThresholdsHolder reads governance.yml and keeps it hot-reloaded.
func NewThresholdsHolder(log *zap.Logger) (*ThresholdsHolder, error) {
	v := viper.New()
	v.SetConfigName("governance")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/capacity")
	v.AddConfigPath(".")
	return newThresholdsHolder(v, log)
}

// LoadThresholdsFile reads thresholds from an explicit file path.
func LoadThresholdsFile(path string, log *zap.Logger) (*ThresholdsHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newThresholdsHolder(v, log)
}

// NewStaticThresholds returns a holder that never reloads.
func NewStaticThresholds(t Thresholds) *ThresholdsHolder {
	holder := &ThresholdsHolder{}
	holder.current.Store(t)
	return holder
}

func newThresholdsHolder(v *viper.Viper, log *zap.Logger) (*ThresholdsHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("governance.config")

	v.SetEnvPrefix("CAPACITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setThresholdDefaults(v)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
		log.Info("governance config not found, using defaults")
	}

	cfg, err := decodeThresholds(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticThresholds(cfg)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeThresholds(v)
		if err != nil {
			log.Warn("invalid governance config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("governance config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ThresholdsHolder) Get() Thresholds {
	if h == nil {
		return DefaultThresholds()
	}
	return h.current.Load().(Thresholds)
}

func setThresholdDefaults(v *viper.Viper) {
	d := DefaultThresholds()
	v.SetDefault("governance.utilization.medium", d.Utilization.Medium)
	v.SetDefault("governance.utilization.high", d.Utilization.High)
	v.SetDefault("governance.utilization.critical", d.Utilization.Critical)
	v.SetDefault("governance.expiration.medium", d.Expiration.Medium)
	v.SetDefault("governance.expiration.high", d.Expiration.High)
	v.SetDefault("governance.expiration.critical", d.Expiration.Critical)
	v.SetDefault("governance.complianceNoticeDays", d.ComplianceNoticeDays)
	v.SetDefault("governance.scalingCooldown", d.ScalingCooldown)
}

func decodeThresholds(v *viper.Viper) (Thresholds, error) {
	var cfg Thresholds
	if err := v.UnmarshalKey("governance", &cfg); err != nil {
		return Thresholds{}, err
	}
	if err := validateThresholds(cfg); err != nil {
		return Thresholds{}, err
	}
	return cfg, nil
}

func validateThresholds(cfg Thresholds) error {
	u := cfg.Utilization
	if u.Medium <= 0 || u.Medium > u.High || u.High > u.Critical {
		return errors.New("governance.utilization must satisfy 0 < medium <= high <= critical")
	}
	e := cfg.Expiration
	if e.Critical > e.High || e.High > e.Medium {
		return errors.New("governance.expiration must satisfy critical <= high <= medium")
	}
	if cfg.ComplianceNoticeDays < 0 {
		return errors.New("governance.complianceNoticeDays cannot be negative")
	}
	if cfg.ScalingCooldown < 0 {
		return errors.New("governance.scalingCooldown cannot be negative")
	}
	return nil
}
