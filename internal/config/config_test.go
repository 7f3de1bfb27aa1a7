package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbilly/chaser/internal/errs"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 30*time.Second, cfg.DefaultCommandTimeout)
	assert.Equal(t, 256, cfg.SubscriptionBufferSize)
}

func TestValidateRejectsNonPositive(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.MaxBrowsers = 0 },
		func(c *Config) { c.MaxPagesPerBrowser = -1 },
		func(c *Config) { c.MaxPagesTotal = 0 },
		func(c *Config) { c.SessionTimeout = 0 },
		func(c *Config) { c.CleanupInterval = -time.Second },
		func(c *Config) { c.DefaultCommandTimeout = 0 },
		func(c *Config) { c.SubscriptionBufferSize = 0 },
	} {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate()
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CHASER_MAX_BROWSERS", "3")
	t.Setenv("CHASER_SESSION_TIMEOUT", "90s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxBrowsers)
	assert.Equal(t, 90*time.Second, cfg.SessionTimeout)
}
