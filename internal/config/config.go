package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Gate       GateConfig       `mapstructure:"gate" yaml:"gate"`
	Tracker    TrackerConfig    `mapstructure:"tracker" yaml:"tracker"`
	Controller ControllerConfig `mapstructure:"controller" yaml:"controller"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Perception PerceptionConfig `mapstructure:"perception" yaml:"perception"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// GateConfig tunes the change detection gate.
type GateConfig struct {
	// Threshold is the fraction of grid cells that must differ for a frame
	// to count as changed.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	// GridSize is the side length of the downsampled comparison grid.
	GridSize int `mapstructure:"grid_size" yaml:"grid_size"`
	// PixelDelta is the per-cell luminance delta below which two cells are
	// considered equal.
	PixelDelta int `mapstructure:"pixel_delta" yaml:"pixel_delta"`
}

// TrackerConfig tunes the per-surface state tracker.
type TrackerConfig struct {
	// HistoryCapacity bounds the observation ring buffer.
	HistoryCapacity int `mapstructure:"history_capacity" yaml:"history_capacity"`
	// LoopWindow is the number of trailing observations inspected by loop
	// detection.
	LoopWindow int `mapstructure:"loop_window" yaml:"loop_window"`
}

// ControllerConfig tunes the decision controller.
type ControllerConfig struct {
	// StructuralTimeout bounds one structural driver attempt.
	StructuralTimeout time.Duration `mapstructure:"structural_timeout" yaml:"structural_timeout"`
	// MinLocateConfidence is the floor below which a perceptual locate
	// result is treated as not found.
	MinLocateConfidence float64 `mapstructure:"min_locate_confidence" yaml:"min_locate_confidence"`
	// OverlaySelectors are selectors for known dismissible obstructions
	// (consent banners, modals) attempted before the first action on a
	// surface.
	OverlaySelectors []string `mapstructure:"overlay_selectors" yaml:"overlay_selectors"`
}

// EngineConfig tunes the contract engine.
type EngineConfig struct {
	// StepTimeout is the default per-step deadline.
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	// MaxAttempts is the default per-step attempt budget (first try
	// included).
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// RetryBackoff is the pause between step attempts.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	// MinConfidence is the default confidence floor for anchor and target
	// evaluation.
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	// LoopRecoveryThreshold is the number of consecutive loop signals after
	// which the engine forces a full re-analysis. Exposed rather than
	// hard-coded; the useful value is workload dependent.
	LoopRecoveryThreshold int `mapstructure:"loop_recovery_threshold" yaml:"loop_recovery_threshold"`
}

// BrowserConfig holds settings for the chromedp-driven browser.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// PerceptionConfig configures the vision model backend.
type PerceptionConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"-"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	// RequestsPerSecond rate limits perception calls; they are the slowest
	// and most expensive operation in the system.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Temperature       float32 `mapstructure:"temperature" yaml:"temperature"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "steadyhand")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Gate --
	v.SetDefault("gate.threshold", 0.001)
	v.SetDefault("gate.grid_size", 32)
	v.SetDefault("gate.pixel_delta", 8)

	// -- Tracker --
	v.SetDefault("tracker.history_capacity", 20)
	v.SetDefault("tracker.loop_window", 3)

	// -- Controller --
	v.SetDefault("controller.structural_timeout", "2s")
	v.SetDefault("controller.min_locate_confidence", 0.5)
	v.SetDefault("controller.overlay_selectors", []string{
		`#onetrust-accept-btn-handler`,
		`button[aria-label="Accept all"]`,
		`button[aria-label="Accept cookies"]`,
		`[id*="cookie"] button[class*="accept"]`,
		`div[role="dialog"] button[aria-label="Close"]`,
	})

	// -- Engine --
	v.SetDefault("engine.step_timeout", "5s")
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_backoff", "250ms")
	v.SetDefault("engine.min_confidence", 0.5)
	v.SetDefault("engine.loop_recovery_threshold", 3)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)

	// -- Perception --
	v.SetDefault("perception.provider", "gemini")
	v.SetDefault("perception.model", "gemini-2.5-flash")
	v.SetDefault("perception.api_timeout", "30s")
	v.SetDefault("perception.requests_per_second", 1.0)
	v.SetDefault("perception.temperature", 0.1)
}

// NewDefaultConfig returns a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults alone.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that has already read its sources.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("perception.api_key", "STEADYHAND_PERCEPTION_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Gate.Threshold < 0 || c.Gate.Threshold > 1 {
		return fmt.Errorf("gate.threshold must be within [0, 1]")
	}
	if c.Gate.GridSize <= 0 {
		return fmt.Errorf("gate.grid_size must be a positive integer")
	}
	if c.Tracker.HistoryCapacity <= 0 {
		return fmt.Errorf("tracker.history_capacity must be a positive integer")
	}
	if c.Tracker.LoopWindow < 2 {
		return fmt.Errorf("tracker.loop_window must be at least 2")
	}
	if c.Controller.StructuralTimeout <= 0 {
		return fmt.Errorf("controller.structural_timeout must be a positive duration")
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	if c.Engine.MinConfidence < 0 || c.Engine.MinConfidence > 1 {
		return fmt.Errorf("engine.min_confidence must be within [0, 1]")
	}
	if c.Engine.LoopRecoveryThreshold < 1 {
		return fmt.Errorf("engine.loop_recovery_threshold must be at least 1")
	}
	return nil
}
