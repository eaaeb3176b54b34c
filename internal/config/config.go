package config

import (
	"time"
)

// Config represents the complete hubd configuration.
//
// Values are layered as: built-in defaults, an optional YAML config file,
// HUBD_* environment variables, then runtime overrides. Configuration is read
// once at startup; there is no hot reload.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Modules   ModulesConfig   `mapstructure:"modules" yaml:"modules"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig contains listener and transport configuration
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// TrustProxy makes the rightmost X-Forwarded-For entry (one trusted hop)
	// the client address.
	TrustProxy bool `mapstructure:"trust_proxy" yaml:"trust_proxy"`

	// ConnectionTimeout is the per-connection inactivity deadline.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`

	// RebindInterval is the fixed wait between bind attempts while the port is in use.
	RebindInterval time.Duration `mapstructure:"rebind_interval" yaml:"rebind_interval"`

	// AttachTimeout bounds the upgrade module attach phase.
	AttachTimeout time.Duration `mapstructure:"attach_timeout" yaml:"attach_timeout"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// RateLimitConfig contains admission control policy parameters.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Window  time.Duration `mapstructure:"window" yaml:"window"`
	Limit   int           `mapstructure:"limit" yaml:"limit"`
}

// ModulesConfig toggles and configures the hosted modules.
type ModulesConfig struct {
	Portfolio PortfolioConfig `mapstructure:"portfolio" yaml:"portfolio"`
	Split     SplitConfig     `mapstructure:"split" yaml:"split"`
	TicTacToe TicTacToeConfig `mapstructure:"tictactoe" yaml:"tictactoe"`
}

// PortfolioConfig configures the portfolio API module.
type PortfolioConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SplitConfig configures the money-splitting API module.
// Both keys are required when the module is enabled.
type SplitConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key"`
	NotifyKey     string `mapstructure:"notify_key" yaml:"notify_key"`
}

// TicTacToeConfig configures the real-time game module.
type TicTacToeConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`

	// MessagesPerSecond and Burst throttle frames per socket.
	MessagesPerSecond float64 `mapstructure:"messages_per_second" yaml:"messages_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// File, when set, also writes JSON log lines to this path with rotation.
	File string `mapstructure:"file" yaml:"file"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format).
	// Metrics are also proxied at /metrics on the main listener.
	Port int `mapstructure:"port" yaml:"port"`
}
