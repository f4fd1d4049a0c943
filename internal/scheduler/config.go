package scheduler

import (
	"time"

	"github.com/smallbiznis/factora/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval        time.Duration
	BatchSize          int
	RecoveryThreshold  time.Duration
	DefaultGracePeriod time.Duration
	// DefaultRetryAfter is how long an invoice whose default failed is left
	// out of the overdue batch.
	DefaultRetryAfter time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		RecoveryThreshold: 15 * time.Minute,
		DefaultRetryAfter: time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:        cfg.Scheduler.RunInterval,
		BatchSize:          cfg.Scheduler.BatchSize,
		RecoveryThreshold:  cfg.Scheduler.RecoveryThreshold,
		DefaultGracePeriod: cfg.Scheduler.DefaultGracePeriod,
		DefaultRetryAfter:  cfg.Scheduler.DefaultRetryAfter,
		EnabledJobs:        cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.DefaultGracePeriod < 0 {
		c.DefaultGracePeriod = 0
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = defaults.DefaultRetryAfter
	}
	return c
}
