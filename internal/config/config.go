// Package config holds the runtime options the core honors. Values come
// from the outer config layer; environment variables override defaults
// for the standalone binary.
package config

import (
	"time"

	"github.com/mstoykov/envconfig"

	"github.com/sbilly/chaser/internal/errs"
)

// Config are the knobs honored by the session registry, the transport and
// the event dispatcher.
type Config struct {
	MaxBrowsers        int `json:"maxBrowsers" envconfig:"CHASER_MAX_BROWSERS"`
	MaxPagesPerBrowser int `json:"maxPagesPerBrowser" envconfig:"CHASER_MAX_PAGES_PER_BROWSER"`
	MaxPagesTotal      int `json:"maxPagesTotal" envconfig:"CHASER_MAX_PAGES_TOTAL"`

	SessionTimeout  time.Duration `json:"sessionTimeout" envconfig:"CHASER_SESSION_TIMEOUT"`
	CleanupInterval time.Duration `json:"cleanupInterval" envconfig:"CHASER_CLEANUP_INTERVAL"`

	DefaultCommandTimeout  time.Duration `json:"defaultCommandTimeout" envconfig:"CHASER_DEFAULT_COMMAND_TIMEOUT"`
	SubscriptionBufferSize int           `json:"subscriptionBufferSize" envconfig:"CHASER_SUBSCRIPTION_BUFFER_SIZE"`

	// ShutdownGrace bounds the parallel browser teardown on exit.
	ShutdownGrace time.Duration `json:"shutdownGrace" envconfig:"CHASER_SHUTDOWN_GRACE"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MaxBrowsers:            8,
		MaxPagesPerBrowser:     16,
		MaxPagesTotal:          64,
		SessionTimeout:         300 * time.Second,
		CleanupInterval:        300 * time.Second,
		DefaultCommandTimeout:  30 * time.Second,
		SubscriptionBufferSize: 256,
		ShutdownGrace:          30 * time.Second,
	}
}

// FromEnv builds a Config from the defaults with environment overrides.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := envconfig.Process("chaser", &cfg); err != nil {
		return cfg, errs.Wrap(errs.CodeInvalidArgument, err, "parsing environment configuration")
	}
	return cfg, cfg.Validate()
}

// Validate rejects non-positive caps and intervals.
func (c Config) Validate() error {
	switch {
	case c.MaxBrowsers <= 0:
		return errs.New(errs.CodeInvalidArgument, "maxBrowsers must be positive")
	case c.MaxPagesPerBrowser <= 0:
		return errs.New(errs.CodeInvalidArgument, "maxPagesPerBrowser must be positive")
	case c.MaxPagesTotal <= 0:
		return errs.New(errs.CodeInvalidArgument, "maxPagesTotal must be positive")
	case c.SessionTimeout <= 0:
		return errs.New(errs.CodeInvalidArgument, "sessionTimeout must be positive")
	case c.CleanupInterval <= 0:
		return errs.New(errs.CodeInvalidArgument, "cleanupInterval must be positive")
	case c.DefaultCommandTimeout <= 0:
		return errs.New(errs.CodeInvalidArgument, "defaultCommandTimeout must be positive")
	case c.SubscriptionBufferSize <= 0:
		return errs.New(errs.CodeInvalidArgument, "subscriptionBufferSize must be positive")
	}
	return nil
}
