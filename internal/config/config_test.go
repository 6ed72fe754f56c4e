// internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NotNil(t, cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1280, cfg.Display.Width)
	assert.Equal(t, 900, cfg.Display.Height)
	assert.Equal(t, "https://www.google.com", cfg.Display.StartURL)
	assert.Equal(t, 20*time.Millisecond, cfg.Display.TypeDelay)
	assert.Equal(t, 25.0, cfg.Stream.FramesPerSecond)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 1500*time.Millisecond, cfg.Agent.ClickSettleDelay)
	assert.Equal(t, 30*time.Second, cfg.Decision.RetryWindow)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.History.Capacity)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "sightglass", cfg.Logger.ServiceName)
}

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("display.width", 1920)
	v.Set("display.height", 1080)
	v.Set("agent.max_iterations", 25)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 1920, cfg.Display.Width)
	assert.Equal(t, 1080, cfg.Display.Height)
	assert.Equal(t, 25, cfg.Agent.MaxIterations)
	// Untouched sections keep their defaults.
	assert.Equal(t, 25.0, cfg.Stream.FramesPerSecond)
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero display width",
			mutate:  func(c *Config) { c.Display.Width = 0 },
			wantErr: "display.width",
		},
		{
			name:    "negative frame rate",
			mutate:  func(c *Config) { c.Stream.FramesPerSecond = -1 },
			wantErr: "frames_per_second",
		},
		{
			name:    "zero iterations",
			mutate:  func(c *Config) { c.Agent.MaxIterations = 0 },
			wantErr: "max_iterations",
		},
		{
			name:    "zero settle timeout",
			mutate:  func(c *Config) { c.Agent.SettleTimeout = 0 },
			wantErr: "settle_timeout",
		},
		{
			name:    "zero retry window",
			mutate:  func(c *Config) { c.Decision.RetryWindow = 0 },
			wantErr: "retry_window",
		},
		{
			name:    "zero history capacity",
			mutate:  func(c *Config) { c.History.Capacity = 0 },
			wantErr: "history.capacity",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("server.port", 0)

	cfg, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid configuration")
}
