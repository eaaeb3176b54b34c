// Package config provides centralized configuration management for hubd.
//
// Defaults are registered on a viper instance, an optional YAML file is merged
// on top, then HUBD_* environment variables (mapped through gofulmen/config env
// specs) and runtime overrides. The merged tree is decoded into Config.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName is used for XDG directories and the config file name.
	AppName = "hubd"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "HUBD_"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.trust_proxy", true)
	v.SetDefault("server.connection_timeout", "10s")
	v.SetDefault("server.rebind_interval", "1s")
	v.SetDefault("server.attach_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Rate limit defaults: 100 requests per 15 minutes per client
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.window", "15m")
	v.SetDefault("rate_limit.limit", 100)

	// Module defaults
	v.SetDefault("modules.portfolio.enabled", true)
	v.SetDefault("modules.split.enabled", true)
	v.SetDefault("modules.split.encryption_key", "")
	v.SetDefault("modules.split.notify_key", "")
	v.SetDefault("modules.tictactoe.enabled", true)
	v.SetDefault("modules.tictactoe.path", "/socket")
	v.SetDefault("modules.tictactoe.messages_per_second", 20.0)
	v.SetDefault("modules.tictactoe.burst", 40)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}

// Load builds the typed configuration from v.
//
// v may already hold a config file; defaults, environment overrides and the
// supplied runtime overrides are layered on top of it. A nil v uses a fresh
// viper instance.
func Load(ctx context.Context, v *viper.Viper, runtimeOverrides ...map[string]any) (*Config, error) {
	_ = ctx
	if v == nil {
		v = viper.New()
	}

	SetDefaults(v)

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	allOverrides := []map[string]any{envOverrides}
	allOverrides = append(allOverrides, runtimeOverrides...)
	for _, overrides := range allOverrides {
		if len(overrides) == 0 {
			continue
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("failed to merge overrides: %w", err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

// Validate rejects configurations the bootstrap cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	case c.Server.ConnectionTimeout <= 0:
		return fmt.Errorf("server.connection_timeout must be positive")
	case c.Server.RebindInterval <= 0:
		return fmt.Errorf("server.rebind_interval must be positive")
	case c.RateLimit.Enabled && c.RateLimit.Window <= 0:
		return fmt.Errorf("rate_limit.window must be positive")
	case c.RateLimit.Enabled && c.RateLimit.Limit <= 0:
		return fmt.Errorf("rate_limit.limit must be positive")
	}
	return nil
}

// Addr returns the host:port the listener binds.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: prefix + "TRUST_PROXY", Path: []string{"server", "trust_proxy"}, Type: EnvBool},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "CONNECTION_TIMEOUT", Path: []string{"server", "connection_timeout"}, Type: EnvString},
		{Name: prefix + "REBIND_INTERVAL", Path: []string{"server", "rebind_interval"}, Type: EnvString},
		{Name: prefix + "ATTACH_TIMEOUT", Path: []string{"server", "attach_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_FILE", Path: []string{"logging", "file"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Rate limit config
		{Name: prefix + "RATE_LIMIT_ENABLED", Path: []string{"rate_limit", "enabled"}, Type: EnvBool},
		{Name: prefix + "RATE_LIMIT_WINDOW", Path: []string{"rate_limit", "window"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_LIMIT", Path: []string{"rate_limit", "limit"}, Type: EnvInt},

		// Module config
		{Name: prefix + "PORTFOLIO_ENABLED", Path: []string{"modules", "portfolio", "enabled"}, Type: EnvBool},
		{Name: prefix + "SPLIT_ENABLED", Path: []string{"modules", "split", "enabled"}, Type: EnvBool},
		{Name: prefix + "ENCRYPTION_KEY", Path: []string{"modules", "split", "encryption_key"}, Type: EnvString},
		{Name: prefix + "NOTIFY_KEY", Path: []string{"modules", "split", "notify_key"}, Type: EnvString},
		{Name: prefix + "TICTACTOE_ENABLED", Path: []string{"modules", "tictactoe", "enabled"}, Type: EnvBool},
		{Name: prefix + "TICTACTOE_PATH", Path: []string{"modules", "tictactoe", "path"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},
	}
}

// DefaultConfigDir returns the XDG-compliant config directory.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
