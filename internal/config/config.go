// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Display  DisplayConfig  `mapstructure:"display" yaml:"display"`
	Stream   StreamConfig   `mapstructure:"stream" yaml:"stream"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Decision DecisionConfig `mapstructure:"decision" yaml:"decision"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
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

// DisplayConfig describes the shared browser viewport and the calibration
// offset applied to every agent-issued coordinate. The offset is measured
// once at startup and constant for the process lifetime.
type DisplayConfig struct {
	Width     int           `mapstructure:"width" yaml:"width"`
	Height    int           `mapstructure:"height" yaml:"height"`
	Headless  bool          `mapstructure:"headless" yaml:"headless"`
	StartURL  string        `mapstructure:"start_url" yaml:"start_url"`
	OffsetX   float64       `mapstructure:"offset_x" yaml:"offset_x"`
	OffsetY   float64       `mapstructure:"offset_y" yaml:"offset_y"`
	Args      []string      `mapstructure:"args" yaml:"args"`
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
	TypeDelay time.Duration `mapstructure:"type_delay" yaml:"type_delay"`
}

// StreamConfig tunes the observer broadcast loop.
type StreamConfig struct {
	FramesPerSecond float64       `mapstructure:"frames_per_second" yaml:"frames_per_second"`
	FailureBackoff  time.Duration `mapstructure:"failure_backoff" yaml:"failure_backoff"`
	SendBuffer      int           `mapstructure:"send_buffer" yaml:"send_buffer"`
}

// AgentConfig bounds the decision loop.
type AgentConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	SettleTimeout    time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	ClickSettleDelay time.Duration `mapstructure:"click_settle_delay" yaml:"click_settle_delay"`
	PostActionDelay  time.Duration `mapstructure:"post_action_delay" yaml:"post_action_delay"`
}

// DecisionConfig points at the external decision-making service. RetryWindow
// caps how long one request keeps retrying transient failures; it bounds how
// long a stop request can go unobserved while the service is down.
type DecisionConfig struct {
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RetryWindow time.Duration `mapstructure:"retry_window" yaml:"retry_window"`
}

// ServerConfig configures the HTTP/WebSocket edge.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// HistoryConfig bounds the in-memory action log.
type HistoryConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sightglass")
	v.SetDefault("logger.log_file", "sightglass.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Display --
	v.SetDefault("display.width", 1280)
	v.SetDefault("display.height", 900)
	v.SetDefault("display.headless", false)
	v.SetDefault("display.start_url", "https://www.google.com")
	v.SetDefault("display.offset_x", 0.0)
	v.SetDefault("display.offset_y", 0.0)
	v.SetDefault("display.op_timeout", "10s")
	v.SetDefault("display.type_delay", "20ms")

	// -- Stream --
	v.SetDefault("stream.frames_per_second", 25.0)
	v.SetDefault("stream.failure_backoff", "100ms")
	v.SetDefault("stream.send_buffer", 32)

	// -- Agent --
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.settle_timeout", "3s")
	v.SetDefault("agent.click_settle_delay", "1500ms")
	v.SetDefault("agent.post_action_delay", "500ms")

	// -- Decision --
	v.SetDefault("decision.endpoint", "https://api.openai.com/v1")
	v.SetDefault("decision.model", "computer-use-preview")
	v.SetDefault("decision.api_timeout", "60s")
	v.SetDefault("decision.retry_window", "30s")

	// -- Server --
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	// -- History --
	v.SetDefault("history.capacity", 1000)
}

// NewDefaultConfig creates a configuration populated with default values.
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

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("decision.api_key", "SIGHTGLASS_DECISION_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		return fmt.Errorf("display.width and display.height must be positive")
	}
	if c.Stream.FramesPerSecond <= 0 {
		return fmt.Errorf("stream.frames_per_second must be positive")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Agent.SettleTimeout <= 0 {
		return fmt.Errorf("agent.settle_timeout must be a positive duration")
	}
	if c.Decision.APITimeout <= 0 {
		return fmt.Errorf("decision.api_timeout must be a positive duration")
	}
	if c.Decision.RetryWindow <= 0 {
		return fmt.Errorf("decision.retry_window must be a positive duration")
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	return nil
}
