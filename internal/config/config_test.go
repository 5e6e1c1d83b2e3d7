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

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 0.001, cfg.Gate.Threshold)
	assert.Equal(t, 32, cfg.Gate.GridSize)
	assert.Equal(t, 20, cfg.Tracker.HistoryCapacity)
	assert.Equal(t, 3, cfg.Tracker.LoopWindow)
	assert.Equal(t, 2*time.Second, cfg.Controller.StructuralTimeout)
	assert.NotEmpty(t, cfg.Controller.OverlaySelectors)
	assert.Equal(t, 5*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 3, cfg.Engine.LoopRecoveryThreshold)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "gemini", cfg.Perception.Provider)

	assert.NoError(t, cfg.Validate())
}

func TestNewConfigFromViperOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("gate.threshold", 0.05)
	v.Set("engine.max_attempts", 7)
	v.Set("tracker.loop_window", 4)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 0.05, cfg.Gate.Threshold)
	assert.Equal(t, 7, cfg.Engine.MaxAttempts)
	assert.Equal(t, 4, cfg.Tracker.LoopWindow)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Gate.Threshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.Gate.Threshold = -0.1 }},
		{"zero grid", func(c *Config) { c.Gate.GridSize = 0 }},
		{"zero history", func(c *Config) { c.Tracker.HistoryCapacity = 0 }},
		{"loop window too small", func(c *Config) { c.Tracker.LoopWindow = 1 }},
		{"zero structural timeout", func(c *Config) { c.Controller.StructuralTimeout = 0 }},
		{"zero attempts", func(c *Config) { c.Engine.MaxAttempts = 0 }},
		{"confidence above one", func(c *Config) { c.Engine.MinConfidence = 2 }},
		{"zero loop recovery", func(c *Config) { c.Engine.LoopRecoveryThreshold = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("gate.grid_size", -1)

	_, err := NewConfigFromViper(v)
	assert.Error(t, err)
}
