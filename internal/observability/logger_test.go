package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"trace":   "TRACE",
		"debug":   "DEBUG",
		"info":    "INFO",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestServerLoggerConfig(t *testing.T) {
	t.Run("stderr only by default", func(t *testing.T) {
		cfg := serverLoggerConfig("hubd", "debug", "")

		assert.Equal(t, logging.ProfileStructured, cfg.Profile)
		assert.Equal(t, "DEBUG", cfg.DefaultLevel)
		assert.Equal(t, "hubd", cfg.StaticFields["namespace"])
		require.Len(t, cfg.Sinks, 1)
		assert.Equal(t, "console", cfg.Sinks[0].Type)
		assert.Equal(t, "stderr", cfg.Sinks[0].Console.Stream)
	})

	t.Run("log file adds rotated sink", func(t *testing.T) {
		cfg := serverLoggerConfig("hubd", "info", "/var/log/hubd.log")

		require.Len(t, cfg.Sinks, 2)
		file := cfg.Sinks[1]
		assert.Equal(t, "file", file.Type)
		assert.Equal(t, "json", file.Format)
		require.NotNil(t, file.File)
		assert.Equal(t, "/var/log/hubd.log", file.File.Path)
		assert.Equal(t, logFileMaxSizeMB, file.File.MaxSize)
		assert.Equal(t, logFileMaxBackups, file.File.MaxBackups)
	})
}

func TestInitServerLoggerWritesFile(t *testing.T) {
	original := ServerLogger
	t.Cleanup(func() { ServerLogger = original })

	path := filepath.Join(t.TempDir(), "server.log")
	InitServerLogger("hubd", "warn", path)
	require.NotNil(t, ServerLogger)

	ServerLogger.Info("below threshold")
	ServerLogger.Warn("store slow", zap.String("driver", "sqlite"))
	_ = ServerLogger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "store slow")
	assert.Contains(t, string(data), `"driver":"sqlite"`)
	assert.Contains(t, string(data), `"namespace":"hubd"`)
	assert.NotContains(t, string(data), "below threshold")
}

func TestInitCLILogger(t *testing.T) {
	original := CLILogger
	t.Cleanup(func() { CLILogger = original })

	InitCLILogger("hubd", false)
	require.NotNil(t, CLILogger)
	assert.Equal(t, logging.INFO, CLILogger.GetLevel())

	InitCLILogger("hubd", true)
	assert.Equal(t, logging.DEBUG, CLILogger.GetLevel())
}
