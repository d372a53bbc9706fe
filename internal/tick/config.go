package tick

import (
	"time"

	"github.com/smallbiznis/capacity/internal/config"
)

// Config controls the tick loop.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	LockTTL  time.Duration
	LockKey  string
}

func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		LockTTL:  25 * time.Second,
		LockKey:  "capacity:tick",
	}
}

func ConfigFrom(cfg config.Config) Config {
	out := Config{
		Interval: cfg.TickInterval,
		Timeout:  cfg.TickTimeout,
		LockTTL:  cfg.TickLockTTL,
	}
	if cfg.AppName != "" {
		out.LockKey = cfg.AppName + ":tick"
	}
	return out.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	return c
}
