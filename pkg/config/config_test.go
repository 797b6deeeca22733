package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/plaenen/exactlyonce/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.NodeID)
	assert.Equal(t, "CONTROL_COMPONENTS", cfg.Stream)
	assert.Equal(t, 30*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, 5*time.Second, cfg.DBBusyTimeout)
	assert.False(t, cfg.SemanticReplay)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EXACTLYONCE_NODE_ID", "3")
	t.Setenv("EXACTLYONCE_RESPONSE_TIMEOUT", "250ms")
	t.Setenv("EXACTLYONCE_DB_BUSY_TIMEOUT", "100ms")
	t.Setenv("EXACTLYONCE_EMBEDDED_NATS", "true")
	t.Setenv("EXACTLYONCE_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NodeID)
	assert.Equal(t, 250*time.Millisecond, cfg.ResponseTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.DBBusyTimeout)
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.EmbeddedNATS)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("EXACTLYONCE_NODE_ID", "three")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg, err := config.Load()
		require.NoError(t, err)
		return cfg
	}

	tests := map[string]func(*config.Config){
		"zero timeout":        func(c *config.Config) { c.ResponseTimeout = 0 },
		"negative node":       func(c *config.Config) { c.NodeID = -1 },
		"empty db":            func(c *config.Config) { c.DBPath = " " },
		"no deliveries":       func(c *config.Config) { c.MaxDeliver = 0 },
		"secret without file": func(c *config.Config) { c.SecretKeeperURL = "base64key://" },
		"log level":           func(c *config.Config) { c.LogLevel = "loud" },
		"log format":          func(c *config.Config) { c.LogFormat = "xml" },
		"no broker":           func(c *config.Config) { c.NATSURL = "" },
		"zero busy timeout":   func(c *config.Config) { c.DBBusyTimeout = 0 },
		"busy exceeds reply": func(c *config.Config) {
			c.ResponseTimeout = time.Second
			c.DBBusyTimeout = 2 * time.Second
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
