package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx, viper.New())
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.True(t, cfg.Server.TrustProxy)
		assert.Equal(t, 10*time.Second, cfg.Server.ConnectionTimeout)
		assert.Equal(t, time.Second, cfg.Server.RebindInterval)
		assert.Equal(t, 30*time.Second, cfg.Server.AttachTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify store defaults
		assert.Equal(t, "libsql", cfg.Store.Driver)
		expectedStorePath := filepath.Join(gfconfig.GetAppDataDir("hubd"), "hubd.db")
		assert.Equal(t, expectedStorePath, cfg.Store.Path)

		// Verify rate limit defaults
		assert.True(t, cfg.RateLimit.Enabled)
		assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
		assert.Equal(t, 100, cfg.RateLimit.Limit)

		// Verify module defaults
		assert.True(t, cfg.Modules.Portfolio.Enabled)
		assert.True(t, cfg.Modules.Split.Enabled)
		assert.Equal(t, "/socket", cfg.Modules.TicTacToe.Path)
		assert.Equal(t, 20.0, cfg.Modules.TicTacToe.MessagesPerSecond)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, viper.New(), overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("HUBD_PORT", "4000")
		t.Setenv("HUBD_LOG_LEVEL", "warn")
		t.Setenv("HUBD_TRUST_PROXY", "false")
		t.Setenv("HUBD_CONNECTION_TIMEOUT", "45s")
		t.Setenv("HUBD_RATE_LIMIT_LIMIT", "5")

		cfg, err := Load(ctx, viper.New())
		require.NoError(t, err)

		assert.Equal(t, 4000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Server.TrustProxy)
		assert.Equal(t, 45*time.Second, cfg.Server.ConnectionTimeout)
		assert.Equal(t, 5, cfg.RateLimit.Limit)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("HUBD_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, viper.New(), overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("RejectsNonPositiveTimeout", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"connection_timeout": "0s",
			},
		}

		_, err := Load(ctx, viper.New(), overrides)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection_timeout")
	})
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background(), viper.New())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["HUBD_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["HUBD_TRUST_PROXY"], "TRUST_PROXY env var must be mapped")
	assert.True(t, envVarNames["HUBD_DB_URL"], "DB_URL env var must be mapped")
	assert.True(t, envVarNames["HUBD_ENCRYPTION_KEY"], "ENCRYPTION_KEY env var must be mapped")
}

func TestServerConfigAddr(t *testing.T) {
	assert.Equal(t, ":3000", ServerConfig{Port: 3000}.Addr())
	assert.Equal(t, "127.0.0.1:8080", ServerConfig{Host: "127.0.0.1", Port: 8080}.Addr())
}
